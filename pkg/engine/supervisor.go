package engine

import (
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

// supervisor owns retry accounting.
type supervisor struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// decision is the outcome of a failed attempt.
type decision struct {
	retry     bool
	notBefore time.Time
	policy    models.ErrorPolicy
}

// Backoff returns base × 2^attempt capped at max.
func Backoff(base, maxDelay time.Duration, attempt uint) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base
	for range attempt {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}

	return min(delay, maxDelay)
}

func (sv supervisor) bounds(def *models.WorkflowDefinition) (time.Duration, time.Duration) {
	base, maxDelay := sv.baseDelay, sv.maxDelay

	if def.Config.BaseDelayMs > 0 {
		base = time.Duration(def.Config.BaseDelayMs) * time.Millisecond
	}

	if def.Config.MaxDelayMs > 0 {
		maxDelay = time.Duration(def.Config.MaxDelayMs) * time.Millisecond
	}

	return base, max(base, maxDelay)
}

// decide retries while attempt ≤ maxRetries, except configuration errors,
// and otherwise hands the node to its error policy.
func (sv supervisor) decide(def *models.WorkflowDefinition, node *models.TaskNode, attempt uint, kind ErrorKind, now time.Time) decision {
	if kind != ErrorKindConfiguration && attempt <= node.MaxRetries {
		base, maxDelay := sv.bounds(def)

		return decision{retry: true, notBefore: now.Add(Backoff(base, maxDelay, attempt))}
	}

	return decision{policy: def.EffectiveErrorPolicy(node)}
}
