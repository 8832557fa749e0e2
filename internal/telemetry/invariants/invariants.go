package invariants

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires session lifecycle transitions to follow the state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantRunIsolated requires every run to execute in its own working copy, not the repository root.
	InvariantRunIsolated = "run_isolated"
	// InvariantSingleRunPerSession requires at most one executing run per session id.
	InvariantSingleRunPerSession = "single_run_per_session"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("sessiond/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	sessionID string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "session lifecycle transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for session=%s from=%s to=%s", sessionID, fromState, toState),
		Additional: map[string]string{
			"session_id": strings.TrimSpace(sessionID),
			"from_state": strings.TrimSpace(fromState),
			"to_state":   strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckRunIsolated validates the run_isolated invariant. A run whose working directory is the
// repository root shares state with every other degraded run.
func CheckRunIsolated(ctx context.Context, whereDetected, workDir, repoRoot string) bool {
	if filepath.Clean(workDir) != filepath.Clean(repoRoot) {
		return true
	}
	InvariantViolation(ctx, InvariantRunIsolated, SeverityWarn, ViolationDetails{
		WhatInvariant: "run executes in its own working copy",
		WhereDetected: whereDetected,
		WhyViolated:   "working copy unavailable; run degraded to the repository root",
		Additional: map[string]string{
			"work_dir": workDir,
		},
	})
	return false
}

// CheckSingleRunPerSession validates the single_run_per_session invariant. displaced reports
// whether registering a run pushed out another run for the same session.
func CheckSingleRunPerSession(ctx context.Context, whereDetected, sessionID string, displaced bool) bool {
	if !displaced {
		return true
	}
	InvariantViolation(ctx, InvariantSingleRunPerSession, SeverityWarn, ViolationDetails{
		WhatInvariant: "at most one run executes per session",
		WhereDetected: whereDetected,
		WhyViolated:   "a newer run superseded an executing run",
		Additional: map[string]string{
			"session_id": strings.TrimSpace(sessionID),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	default:
		return SeverityError
	}
}
