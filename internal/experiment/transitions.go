package experiment

import "github.com/jkaninda/crucible/internal/domain"

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Terminal states have no outgoing edges.
func CanTransition(from, to domain.ExperimentStatus) bool {
	switch from {
	case domain.StatusDraft:
		return to == domain.StatusRunning || to == domain.StatusCancelled
	case domain.StatusRunning:
		switch to {
		case domain.StatusPaused, domain.StatusAwaitingApproval,
			domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
			return true
		}
		return false
	case domain.StatusAwaitingApproval:
		switch to {
		case domain.StatusRunning, domain.StatusPaused, domain.StatusFailed, domain.StatusCancelled:
			return true
		}
		return false
	case domain.StatusPaused:
		return to == domain.StatusRunning || to == domain.StatusFailed || to == domain.StatusCancelled
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
		return false
	default:
		return false
	}
}

// AllowedTargets lists the statuses reachable from s in one step.
func AllowedTargets(s domain.ExperimentStatus) []domain.ExperimentStatus {
	var out []domain.ExperimentStatus
	for _, to := range domain.AllStatuses {
		if CanTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// validate returns a *domain.TransitionError when from -> to is not allowed.
func validate(from, to domain.ExperimentStatus) error {
	if !to.Valid() || !CanTransition(from, to) {
		return &domain.TransitionError{From: from, To: to}
	}
	return nil
}
