// Package ws streams experiment events to WebSocket clients.
// The Hub subscribes to the event bus and fans each event out to the
// connected clients of the owning team. Every client has a bounded buffer;
// a client that falls behind loses events rather than slowing the bus.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/observability"
)

// Subprotocol is the WebSocket subprotocol offered to clients.
const Subprotocol = "crucible-events-v1"

const (
	defaultBufferSize   = 64
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// TeamResolver finds the experiment an event refers to. experiment.Store
// satisfies it.
type TeamResolver interface {
	GetExperiment(ctx context.Context, id uuid.UUID) (*domain.Experiment, error)
}

// Config tunes the hub. Zero values take defaults.
type Config struct {
	BufferSize   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Message is one frame written to a client.
type Message struct {
	Type         events.Topic `json:"type"`
	TeamID       uuid.UUID    `json:"team_id"`
	ExperimentID *uuid.UUID   `json:"experiment_id,omitempty"`
	Data         any          `json:"data"`
	Timestamp    time.Time    `json:"timestamp"`
}

type client struct {
	id           uuid.UUID
	teamID       uuid.UUID
	experimentID *uuid.UUID
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) wants(teamID uuid.UUID, experimentID *uuid.UUID) bool {
	if c.teamID != teamID {
		return false
	}
	if c.experimentID == nil {
		return true
	}
	return experimentID != nil && *experimentID == *c.experimentID
}

// Hub fans bus events out to stream clients.
type Hub struct {
	resolver TeamResolver
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
	now      func() time.Time

	mu      sync.RWMutex
	clients map[uuid.UUID]*client
}

// NewHub creates a hub. logger and metrics may be nil.
func NewHub(resolver TeamResolver, cfg Config, logger *slog.Logger, metrics *observability.MetricsCollector) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[uuid.UUID]*client),
	}
}

// Subscribe attaches the hub to every streamed topic and returns a function
// that detaches it.
func (h *Hub) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.TopicTransitioned, "stream", h.Handle),
		bus.Subscribe(events.TopicSettlementShortfall, "stream", h.Handle),
		bus.Subscribe(events.TopicAutoPauseFailed, "stream", h.Handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle converts ev into a Message and queues it for every interested
// client. It never blocks on a client.
func (h *Hub) Handle(ctx context.Context, ev events.Event) error {
	if h.Clients() == 0 {
		return nil
	}

	msg := Message{Type: ev.Topic(), Data: ev, Timestamp: h.now()}
	switch e := ev.(type) {
	case events.Transitioned:
		msg.ExperimentID = &e.ExperimentID
		msg.Timestamp = e.Timestamp
	case events.AutoPauseFailed:
		msg.ExperimentID = &e.ExperimentID
		msg.Timestamp = e.Timestamp
	case events.SettlementShortfall:
		msg.TeamID = e.Shortfall.Scope.TeamID
		msg.ExperimentID = e.Shortfall.Scope.ExperimentID
		msg.Timestamp = e.Shortfall.CreatedAt
	default:
		return nil
	}

	if msg.TeamID == uuid.Nil {
		exp, err := h.resolver.GetExperiment(ctx, *msg.ExperimentID)
		if err != nil {
			return err
		}
		msg.TeamID = exp.TeamID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.broadcast(ctx, msg.TeamID, msg.ExperimentID, data)
	return nil
}

func (h *Hub) broadcast(ctx context.Context, teamID uuid.UUID, experimentID *uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.wants(teamID, experimentID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.metrics.RecordStreamDrop()
			h.logger.DebugContext(ctx, "stream client lagging, event dropped",
				slog.String("client_id", c.id.String()),
				slog.String("team_id", teamID.String()),
			)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(teamID uuid.UUID, experimentID *uuid.UUID) *client {
	c := &client{
		id:           uuid.New(),
		teamID:       teamID,
		experimentID: experimentID,
		send:         make(chan []byte, h.cfg.BufferSize),
		done:         make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.RecordStreamClients(1)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		h.metrics.RecordStreamClients(-1)
	}
	c.close()
}

// Subscription is one attached listener.
type Subscription struct {
	hub *Hub
	c   *client
}

// Messages yields JSON-encoded Message frames.
func (s *Subscription) Messages() <-chan []byte { return s.c.send }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.c.done }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.hub.unregister(s.c) }

// Attach registers a listener for teamID's events without a WebSocket,
// for transports that manage their own connection.
func (h *Hub) Attach(teamID uuid.UUID, experimentID *uuid.UUID) *Subscription {
	return &Subscription{hub: h, c: h.register(teamID, experimentID)}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
		h.metrics.RecordStreamClients(-1)
	}
}

// Serve upgrades the request and streams teamID's events until the client
// disconnects or the hub closes. experimentID narrows the stream to one
// experiment when set. Authentication is the caller's job.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, teamID uuid.UUID, experimentID *uuid.UUID) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sub := h.Attach(teamID, experimentID)
	defer sub.Close()
	c := sub.c

	h.logger.Info("stream client connected",
		slog.String("client_id", c.id.String()),
		slog.String("team_id", teamID.String()),
	)

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	err = h.writeLoop(ctx, conn, c)
	switch {
	case err == nil:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure, errors.Is(err, context.Canceled):
		conn.CloseNow()
		h.logger.Info("stream client disconnected", slog.String("client_id", c.id.String()))
	default:
		conn.CloseNow()
		h.logger.Warn("stream connection error",
			slog.String("client_id", c.id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// writeLoop drains the client's buffer and pings on an interval. Returns
// nil when the hub closed the client.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case data := <-c.send:
			if err := h.write(ctx, conn, data); err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
