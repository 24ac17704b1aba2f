package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// IsRetryableError classifies whether a failed action should be retried.
// FlowErrors decide by code. Cancellation is never retried. Everything else
// is retried and left to the step's attempt budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"permission denied", "invalid argument", "not allowed"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// policyFor returns the effective retry policy of a step. Unset fields fall
// back to the engine default.
func policyFor(step *schema.StepDefinition, def schema.RetryPolicy) schema.RetryPolicy {
	if step.RetryPolicy == nil {
		return def
	}
	p := *step.RetryPolicy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelayMs <= 0 {
		p.InitialDelayMs = def.InitialDelayMs
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = def.MaxDelayMs
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	return p
}

// afterFunc schedules f after d and returns a stop function.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfter(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
