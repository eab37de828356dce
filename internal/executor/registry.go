package executor

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopReaped
	stopShutdown
	stopTimeout
)

func (r stopReason) String() string {
	switch r {
	case stopPause:
		return "paused"
	case stopReaped:
		return "reaped"
	case stopShutdown:
		return "shutdown"
	case stopTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Handle is the registry entry for one admitted attempt. It exists from
// admission until the attempt finishes, and owns the live worker process once
// one has been spawned.
type Handle struct {
	taskID     string
	admittedAt time.Time

	mu          sync.Mutex
	executionID string
	process     *os.Process
	exited      chan struct{}
	reason      stopReason
}

func (h *Handle) TaskID() string {
	return h.taskID
}

func (h *Handle) ExecutionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.executionID
}

func (h *Handle) setExecution(id string) {
	h.mu.Lock()
	h.executionID = id
	h.mu.Unlock()
}

func (h *Handle) stopReason() stopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// attach binds the spawned process. It reports false when a stop was requested
// before the process existed; the caller must then terminate it.
func (h *Handle) attach(process *os.Process, exited chan struct{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.process = process
	h.exited = exited
	return h.reason == stopNone
}

// claimStop records reason if no stop has been requested yet. Only the caller
// that gets true owns the follow-up bookkeeping.
func (h *Handle) claimStop(reason stopReason) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason != stopNone {
		return false
	}
	h.reason = reason
	return true
}

// stop asks the worker to exit: a terminate signal now, a kill after grace if
// it is still alive. The first reason recorded wins.
func (h *Handle) stop(reason stopReason, grace time.Duration) bool {
	h.mu.Lock()
	if h.reason == stopNone {
		h.reason = reason
	}
	process := h.process
	exited := h.exited
	h.mu.Unlock()

	if process == nil {
		return false
	}
	_ = process.Signal(syscall.SIGTERM)
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			_ = process.Kill()
		}
	}()
	return true
}

// Registry tracks admitted attempts by task id. Reserve is the only way in, so
// the capacity check and the insert happen under one lock.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	clock   func() time.Time
}

func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		handles: make(map[string]*Handle),
		clock:   clock,
	}
}

// Reserve admits a task. limit <= 0 means unbounded.
func (r *Registry) Reserve(taskID string, limit int) (*Handle, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[taskID]; exists {
		return nil, fmt.Errorf("%w: %s", contracts.ErrAlreadyRunning, taskID)
	}
	if limit > 0 && len(r.handles) >= limit {
		return nil, fmt.Errorf("%w (%d)", contracts.ErrCapacityExceeded, limit)
	}
	handle := &Handle{taskID: taskID, admittedAt: r.clock().UTC()}
	r.handles[taskID] = handle
	return handle, nil
}

// Release drops the entry only if it still belongs to handle, so a finished
// attempt never evicts a newer admission for the same task.
func (r *Registry) Release(handle *Handle) {
	if r == nil || handle == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.handles[handle.taskID]; ok && current == handle {
		delete(r.handles, handle.taskID)
	}
}

// Lookup returns the entry for taskID, if any. The entry stays registered
// until its attempt calls Release, including while its worker is stopping.
func (r *Registry) Lookup(taskID string) *Handle {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[taskID]
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) Has(taskID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[taskID]
	return ok
}

// TaskIDs lists admitted tasks, oldest admission first.
func (r *Registry) TaskIDs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, handle := range r.handles {
		handles = append(handles, handle)
	}
	r.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool {
		if handles[i].admittedAt.Equal(handles[j].admittedAt) {
			return handles[i].taskID < handles[j].taskID
		}
		return handles[i].admittedAt.Before(handles[j].admittedAt)
	})
	ids := make([]string, 0, len(handles))
	for _, handle := range handles {
		ids = append(ids, handle.taskID)
	}
	return ids
}
