package domain

import "fmt"

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft            ExperimentStatus = "draft"
	StatusRunning          ExperimentStatus = "running"
	StatusPaused           ExperimentStatus = "paused"
	StatusAwaitingApproval ExperimentStatus = "awaiting_approval"
	StatusCompleted        ExperimentStatus = "completed"
	StatusFailed           ExperimentStatus = "failed"
	StatusCancelled        ExperimentStatus = "cancelled"
)

// AllStatuses lists every experiment status in lifecycle order.
var AllStatuses = []ExperimentStatus{
	StatusDraft,
	StatusRunning,
	StatusPaused,
	StatusAwaitingApproval,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// StatusClass partitions experiment statuses.
type StatusClass int

const (
	ClassIdle StatusClass = iota
	ClassActive
	ClassPaused
	ClassTerminal
)

func (c StatusClass) String() string {
	switch c {
	case ClassIdle:
		return "idle"
	case ClassActive:
		return "active"
	case ClassPaused:
		return "paused"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Class returns the partition s belongs to. Unknown values are treated as
// terminal so nothing can transition out of them.
func (s ExperimentStatus) Class() StatusClass {
	switch s {
	case StatusDraft:
		return ClassIdle
	case StatusRunning, StatusAwaitingApproval:
		return ClassActive
	case StatusPaused:
		return ClassPaused
	case StatusCompleted, StatusFailed, StatusCancelled:
		return ClassTerminal
	default:
		return ClassTerminal
	}
}

func (s ExperimentStatus) IsActive() bool   { return s.Class() == ClassActive }
func (s ExperimentStatus) IsTerminal() bool { return s.Class() == ClassTerminal }

// Valid reports whether s is a known status.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusAwaitingApproval,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s ExperimentStatus) String() string { return string(s) }

// ParseExperimentStatus converts a label to an ExperimentStatus.
func ParseExperimentStatus(v string) (ExperimentStatus, error) {
	s := ExperimentStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown experiment status %q", ErrInvalidRequest, v)
	}
	return s, nil
}

// AgentStatus is the dispatch state of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentDegraded AgentStatus = "degraded"
	AgentDisabled AgentStatus = "disabled"
	AgentOffline  AgentStatus = "offline"
)

// Available reports whether the agent may receive work.
func (s AgentStatus) Available() bool {
	switch s {
	case AgentActive, AgentDegraded:
		return true
	case AgentDisabled, AgentOffline:
		return false
	default:
		return false
	}
}

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentDegraded, AgentDisabled, AgentOffline:
		return true
	default:
		return false
	}
}

// ParseAgentStatus converts a label to an AgentStatus.
func ParseAgentStatus(v string) (AgentStatus, error) {
	s := AgentStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown agent status %q", ErrInvalidRequest, v)
	}
	return s, nil
}

// EntryType tags a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Sign returns the spend-orientation multiplier for the entry type.
func (t EntryType) Sign() int64 {
	switch t {
	case EntryDebit:
		return 1
	case EntryCredit:
		return -1
	default:
		return 0
	}
}

func (t EntryType) Valid() bool {
	switch t {
	case EntryDebit, EntryCredit:
		return true
	default:
		return false
	}
}
