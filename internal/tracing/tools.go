package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "sessiond/tracing/tools"
	maxOutputEventBytes = 1024
)

// Result is the captured outcome of one subprocess.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExecuteTool runs a subprocess in cwd inside a tool.exec span.
func ExecuteTool(
	ctx context.Context,
	toolName string,
	args []string,
	cwd string,
) (int, string, string, error) {
	result, err := Exec(ctx, toolName, args, cwd)
	return result.ExitCode, result.Stdout, result.Stderr, err
}

// Exec runs a subprocess and records its identity, exit code and bounded output on a span.
// Git invocations additionally carry the git subcommand as the operation attribute.
func Exec(ctx context.Context, toolName string, args []string, cwd string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	toolName = strings.TrimSpace(toolName)
	cwd = strings.TrimSpace(cwd)
	if toolName == "" {
		return Result{}, errors.New("tool name must not be empty")
	}
	if cwd == "" {
		return Result{}, errors.New("cwd must not be empty")
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("args_redacted", strings.Join(redactArgs(args), " ")),
		attribute.String("cwd", cwd),
	}
	if strings.EqualFold(toolName, "git") && len(args) > 0 {
		attrs = append(attrs, attribute.String("operation", strings.TrimSpace(args[0])))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.exec", trace.WithAttributes(attrs...))
	defer span.End()

	started := time.Now()
	// #nosec G204 -- tool name and args are assembled by this module, not by remote input.
	cmd := exec.CommandContext(ctx, toolName, args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := Result{
		ExitCode: exitCode(ctx, runErr),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(started),
	}

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	if result.Stdout != "" {
		span.AddEvent("tool.stdout", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes)),
		))
	}
	if result.Stderr != "" {
		span.AddEvent("tool.stderr", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes)),
		))
	}

	if runErr != nil {
		wrapped := fmt.Errorf("run %s: %w", FormatCommand(toolName, args), runErr)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return result, wrapped
	}
	span.SetStatus(codes.Ok, "tool command completed")
	return result, nil
}

func exitCode(ctx context.Context, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false
	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}
		if name, _, found := strings.Cut(trimmed, "="); found && isSensitive(strings.ToLower(name)) {
			redacted = append(redacted, name+"=<redacted>")
			continue
		}
		if isSensitive(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}
	return redacted
}

func isSensitive(value string) bool {
	for _, candidate := range []string{"token", "password", "secret", "api-key", "apikey", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for logs and errors.
func FormatCommand(toolName string, args []string) string {
	parts := append([]string{strings.TrimSpace(toolName)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
