package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	apiKeyPattern          = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{10,}\b`)
)

// AgentRunRequest describes one agent run for the agent.run span.
type AgentRunRequest struct {
	SessionID string
	Agent     string
	Model     string
	Prompt    string
}

// AgentRun tracks one agent.run span lifecycle.
type AgentRun struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu       sync.Mutex
	toolUses int
	failures int
	ended    bool
}

type agentRunContextKey struct{}

// StartAgentRun starts an agent.run span and returns a context carrying the tracker.
func StartAgentRun(ctx context.Context, req AgentRunRequest) (context.Context, *AgentRun) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := EstimateTokenCount(req.Prompt)
	attrs := []attribute.KeyValue{
		attribute.String("agent", normalizeOrUnknown(req.Agent)),
		attribute.String("model_name", normalizeOrUnknown(req.Model)),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}
	if sessionID := strings.TrimSpace(req.SessionID); sessionID != "" {
		attrs = append(attrs, attribute.String("session_id", sessionID))
	}

	spanCtx, span := otel.Tracer("sessiond/telemetry/agent").Start(
		ctx,
		"agent.run",
		trace.WithAttributes(attrs...),
	)

	run := &AgentRun{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
	return context.WithValue(spanCtx, agentRunContextKey{}, run), run
}

// AgentRunFromContext returns the agent run tracker if one exists on the context.
func AgentRunFromContext(ctx context.Context) *AgentRun {
	if ctx == nil {
		return nil
	}
	run, ok := ctx.Value(agentRunContextKey{}).(*AgentRun)
	if !ok {
		return nil
	}
	return run
}

// RecordToolUse adds a tool-use event to the active span.
func (r *AgentRun) RecordToolUse(toolName string) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.toolUses++
	r.span.AddEvent(
		"agent.tool_use",
		trace.WithAttributes(
			attribute.String("tool_name", normalizeOrUnknown(toolName)),
			attribute.Int64("elapsed_ms", time.Since(r.startedAt).Milliseconds()),
		),
	)
}

// RecordFailure adds a redacted agent.failure event to the active span.
func (r *AgentRun) RecordFailure(message string) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.failures++
	r.span.AddEvent(
		"agent.failure",
		trace.WithAttributes(attribute.String("error_message", Redact(message))),
	)
}

// End finalizes the span with latency, token estimates, and tool use counts. Later calls are no-ops.
func (r *AgentRun) End(output string, err error) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	toolUses := r.toolUses
	failures := r.failures
	r.mu.Unlock()

	durationMS := time.Since(r.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	responseTokens := EstimateTokenCount(output)

	r.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("tool_uses_count", toolUses),
		attribute.Int("failures_count", failures),
		attribute.Int("response_tokens", responseTokens),
		attribute.Int("total_tokens", r.promptTokens+responseTokens),
	)

	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, Redact(err.Error()))
	} else {
		r.span.SetStatus(codes.Ok, "agent run completed")
	}
	r.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	return (len(fields)*4 + 2) / 3
}

// Redact masks credentials in text and bounds its length.
func Redact(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = apiKeyPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(Redact(prompt)))
	return hex.EncodeToString(sum[:])
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
