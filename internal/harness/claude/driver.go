package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ship-commander/sessiond/internal/harness"
)

const (
	defaultBinary    = "claude"
	defaultModel     = "sonnet"
	maxRecordBytes   = 16 * 1024 * 1024
	processWaitDelay = 5 * time.Second
	maxStderrBytes   = 4096
)

// ProcessSpec describes one agent subprocess.
type ProcessSpec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	Stdin  string
}

// Process is a started agent subprocess.
type Process interface {
	Stdout() io.Reader
	Wait() error
}

// Launcher starts agent subprocesses. The process must be killed when ctx is cancelled.
type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Process, error)
}

type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, spec ProcessSpec) (Process, error) {
	// #nosec G204 -- binary and args come from trusted local configuration.
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = strings.NewReader(spec.Stdin)
	cmd.WaitDelay = processWaitDelay

	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout for %s: %w", formatCommand(spec.Binary, spec.Args), err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", formatCommand(spec.Binary, spec.Args), err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *boundedBuffer
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}
	if trimmed := strings.TrimSpace(p.stderr.String()); trimmed != "" {
		return fmt.Errorf("%w (%s)", err, trimmed)
	}
	return err
}

// DriverConfig configures the Claude Code driver.
type DriverConfig struct {
	Binary       string
	DefaultModel string
}

// Driver implements harness.Capability by running the Claude Code CLI in print mode
// and translating its stream-json records into progress events.
type Driver struct {
	launcher     Launcher
	binary       string
	defaultModel string
	environ      func() []string
}

// New constructs a Claude driver that launches real subprocesses.
func New(cfg DriverConfig) *Driver {
	driver, _ := NewWithLauncher(execLauncher{}, cfg)
	return driver
}

// NewWithLauncher constructs a Claude driver with an injectable process launcher.
func NewWithLauncher(launcher Launcher, cfg DriverConfig) (*Driver, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = defaultModel
	}
	return &Driver{
		launcher:     launcher,
		binary:       binary,
		defaultModel: model,
		environ:      os.Environ,
	}, nil
}

// Start launches one Claude run in execCtx.WorkingDirectory.
func (d *Driver) Start(ctx context.Context, message string, execCtx harness.Context) (harness.Run, error) {
	if d == nil {
		return nil, errors.New("driver is nil")
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("message is required")
	}
	workdir := strings.TrimSpace(execCtx.WorkingDirectory)
	if workdir == "" {
		return nil, errors.New("working directory is required")
	}

	args, err := buildArgs(execCtx, d.defaultModel)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	proc, err := d.launcher.Launch(runCtx, ProcessSpec{
		Binary: d.binary,
		Args:   args,
		Dir:    workdir,
		Env:    mergeEnv(d.environ(), execCtx.Environment),
		Stdin:  message,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("launch claude: %w", err)
	}

	r := &run{
		ctx:      runCtx,
		cancel:   cancel,
		progress: make(chan harness.ProgressEvent),
		done:     make(chan struct{}),
	}
	go r.consume(proc)
	return r, nil
}

type run struct {
	ctx      context.Context
	cancel   context.CancelFunc
	progress chan harness.ProgressEvent
	done     chan struct{}
	stopped  atomic.Bool
	outcome  harness.Outcome
}

func (r *run) Progress() <-chan harness.ProgressEvent {
	return r.progress
}

func (r *run) Wait() harness.Outcome {
	<-r.done
	return r.outcome
}

// Stop kills the subprocess and blocks until the outcome is settled or ctx expires.
func (r *run) Stop(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	r.stopped.Store(true)
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) consume(proc Process) {
	defer r.cancel()

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	var final *resultRecord
	for scanner.Scan() {
		events, result := parseRecord(scanner.Bytes())
		if result != nil {
			final = result
		}
		for _, event := range events {
			r.emit(event)
		}
	}
	// Drain whatever is left so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, proc.Stdout())
	close(r.progress)

	waitErr := proc.Wait()
	r.outcome = r.settle(final, waitErr, scanner.Err())
	close(r.done)
}

func (r *run) emit(event harness.ProgressEvent) {
	if r.ctx.Err() != nil {
		return
	}
	select {
	case r.progress <- event:
	case <-r.ctx.Done():
	}
}

func (r *run) settle(final *resultRecord, waitErr error, scanErr error) harness.Outcome {
	if r.stopped.Load() {
		return harness.Outcome{Err: harness.ErrStopped}
	}
	if err := r.ctx.Err(); err != nil {
		return harness.Outcome{Err: fmt.Errorf("claude run interrupted: %w", err)}
	}
	if final != nil && final.isError {
		detail := strings.TrimSpace(final.text)
		if detail == "" {
			detail = final.subtype
		}
		return harness.Outcome{Err: fmt.Errorf("claude reported error: %s", detail)}
	}
	if waitErr != nil {
		return harness.Outcome{Err: fmt.Errorf("claude exited: %w", waitErr)}
	}
	if scanErr != nil {
		return harness.Outcome{Err: fmt.Errorf("read claude output: %w", scanErr)}
	}
	if final == nil {
		return harness.Outcome{Err: errors.New("claude exited without a result record")}
	}
	return harness.Outcome{Success: true, Output: final.text}
}

func buildArgs(execCtx harness.Context, fallbackModel string) ([]string, error) {
	model := strings.TrimSpace(execCtx.Model)
	if model == "" {
		model = fallbackModel
	}

	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--model", model}
	if execCtx.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(execCtx.MaxTurns))
	}
	if instructions := strings.TrimSpace(execCtx.Instructions); instructions != "" {
		args = append(args, "--append-system-prompt", instructions)
	}
	if tools := normalizeList(execCtx.AllowedTools); len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if tools := normalizeList(execCtx.DisallowedTools); len(tools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(tools, ","))
	}
	if mode := strings.TrimSpace(execCtx.PermissionMode); mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	if len(execCtx.Integrations) > 0 {
		encoded, err := json.Marshal(mcpConfig{Servers: execCtx.Integrations})
		if err != nil {
			return nil, fmt.Errorf("encode mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(encoded))
	}
	return args, nil
}

type mcpConfig struct {
	Servers map[string]harness.Integration `json:"mcpServers"`
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(base)+len(keys))
	for _, entry := range base {
		name, _, _ := strings.Cut(entry, "=")
		if _, overridden := overrides[name]; overridden {
			continue
		}
		merged = append(merged, entry)
	}
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}

type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ harness.Capability = (*Driver)(nil)
