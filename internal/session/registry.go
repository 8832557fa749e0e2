package session

import (
	"sort"
	"sync"
	"time"

	"github.com/ship-commander/sessiond/internal/harness"
)

// ActiveSession describes one registered run.
type ActiveSession struct {
	SessionID  string    `json:"session_id"`
	WorkItemID string    `json:"work_item_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Displaced is a run removed from the registry by a newer run or a stop signal.
type Displaced struct {
	Run       harness.Run
	StartedAt time.Time
}

// Registry maps session ids to in-flight runs. A session id is present iff a run is executing for it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
	next    uint64
	// stopped holds tokens whose run was taken by a stop signal.
	stopped map[uint64]struct{}
}

type registryEntry struct {
	run        harness.Run
	token      uint64
	workItemID string
	startedAt  time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry), stopped: make(map[uint64]struct{})}
}

// Register stores run under sessionID and returns the token that owns the entry together
// with any run it displaced.
func (r *Registry) Register(sessionID, workItemID string, run harness.Run, startedAt time.Time) (uint64, Displaced, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	previous, existed := r.entries[sessionID]
	r.entries[sessionID] = registryEntry{
		run:        run,
		token:      r.next,
		workItemID: workItemID,
		startedAt:  startedAt,
	}
	if !existed {
		return r.next, Displaced{}, false
	}
	return r.next, Displaced{Run: previous.run, StartedAt: previous.startedAt}, true
}

// Release removes sessionID only if token still owns it.
func (r *Registry) Release(sessionID string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sessionID]
	if !ok || entry.token != token {
		return false
	}
	delete(r.entries, sessionID)
	return true
}

// Take removes and returns the run registered for sessionID, whoever owns it, and marks
// its owner as stopped on request.
func (r *Registry) Take(sessionID string) (Displaced, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sessionID]
	if !ok {
		return Displaced{}, false
	}
	delete(r.entries, sessionID)
	r.stopped[entry.token] = struct{}{}
	return Displaced{Run: entry.run, StartedAt: entry.startedAt}, true
}

// StopRequested reports whether the run owned by token was taken by Take, and clears the mark.
func (r *Registry) StopRequested(token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stopped[token]
	delete(r.stopped, token)
	return ok
}

// Contains reports whether sessionID has a registered run.
func (r *Registry) Contains(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sessionID]
	return ok
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists registered runs ordered by session id.
func (r *Registry) Snapshot() []ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveSession, 0, len(r.entries))
	for id, entry := range r.entries {
		out = append(out, ActiveSession{SessionID: id, WorkItemID: entry.workItemID, StartedAt: entry.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (r *Registry) runs() []harness.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]harness.Run, 0, len(r.entries))
	for _, entry := range r.entries {
		runs = append(runs, entry.run)
	}
	return runs
}
