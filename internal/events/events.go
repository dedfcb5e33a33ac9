// Package events is the in-process publish/subscribe bus that decouples the
// experiment state machine from the reactors that follow it (auto-pause,
// the WebSocket stream, audit consumers).
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
)

// Topic names a class of events.
type Topic string

const (
	TopicTransitioned        Topic = "experiment.transitioned"
	TopicSettlementShortfall Topic = "ledger.settlement_shortfall"
	TopicAutoPauseFailed     Topic = "experiment.auto_pause_failed"
)

// Event is anything that can be published on the bus.
type Event interface {
	Topic() Topic
}

// Transitioned is published after an experiment status change commits.
// The payload is the full contract: consumers must not assume anything
// about the experiment beyond these fields.
type Transitioned struct {
	ExperimentID uuid.UUID               `json:"experiment_id"`
	From         domain.ExperimentStatus `json:"from"`
	To           domain.ExperimentStatus `json:"to"`
	Reason       string                  `json:"reason,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

func (Transitioned) Topic() Topic { return TopicTransitioned }

// SettlementShortfall is published when a provider call succeeded but its
// debit could not be posted.
type SettlementShortfall struct {
	Shortfall domain.Shortfall `json:"shortfall"`
}

func (SettlementShortfall) Topic() Topic { return TopicSettlementShortfall }

// AutoPauseFailed is published when an experiment breached its budget but
// could not be paused. The experiment is still active.
type AutoPauseFailed struct {
	ExperimentID uuid.UUID `json:"experiment_id"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

func (AutoPauseFailed) Topic() Topic { return TopicAutoPauseFailed }
