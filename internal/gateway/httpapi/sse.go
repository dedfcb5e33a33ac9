package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/crucible/internal/domain"
)

// handleEvents upgrades GET /v1/events to a WebSocket carrying the team's
// experiment events. ?experiment_id= narrows the stream.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	p, _ := r.Context().Value(principalKey{}).(principal)

	expID, err := g.streamFilter(r, p.TeamID)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	g.svc.Stream.Serve(w, r, p.TeamID, expID)
}

// handleEventsSSE streams the same frames as server-sent events until the
// client disconnects.
func (g *Gateway) handleEventsSSE(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	expID, err := g.streamFilter(c.Request(), p.TeamID)
	if err != nil {
		return g.fail(c, err)
	}

	sub := g.svc.Stream.Attach(p.TeamID, expID)
	defer sub.Close()

	for {
		select {
		case <-c.Context().Done():
			return nil
		case <-sub.Done():
			return nil
		case data := <-sub.Messages():
			c.SSEvent("message", json.RawMessage(data))
		}
	}
}

// streamFilter parses ?experiment_id= and checks the experiment belongs to
// teamID.
func (g *Gateway) streamFilter(r *http.Request, teamID uuid.UUID) (*uuid.UUID, error) {
	v := r.URL.Query().Get("experiment_id")
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid experiment_id", domain.ErrInvalidRequest)
	}
	e, err := g.svc.Experiments.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if e.TeamID != teamID {
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
	}
	return &id, nil
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}
