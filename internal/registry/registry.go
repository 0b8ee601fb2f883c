package registry

import (
	"sync"
	"time"
)

// Handle is the process-local view of an executing run. Cancellation is a
// one-way signal; the consuming side polls Cancelled or selects on Done.
type Handle struct {
	RunID     string
	TenantID  string
	StartedAt time.Time

	once sync.Once
	done chan struct{}
}

func newHandle(runID, tenantID string) *Handle {
	return &Handle{
		RunID:     runID,
		TenantID:  tenantID,
		StartedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// Cancel signals the handle. Safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Registry tracks in-flight run handles for this process. It exists for fast
// duplicate and cancel checks only; the store stays authoritative and the
// reconciler repairs any divergence after a crash. Constructed once per
// process and torn down via Close on shutdown.
type Registry struct {
	mu       sync.RWMutex
	byRun    map[string]*Handle
	byTenant map[string]*Handle
	closed   bool
}

func New() *Registry {
	return &Registry{
		byRun:    make(map[string]*Handle),
		byTenant: make(map[string]*Handle),
	}
}

// Register creates and tracks a handle for the run. It returns false when
// the tenant already has a registered handle or the registry is closed.
func (r *Registry) Register(runID, tenantID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	if _, exists := r.byTenant[tenantID]; exists {
		return nil, false
	}
	h := newHandle(runID, tenantID)
	r.byRun[runID] = h
	r.byTenant[tenantID] = h
	return h, true
}

// Deregister drops the handle once its run reaches a terminal state.
func (r *Registry) Deregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byRun[runID]
	if !ok {
		return
	}
	delete(r.byRun, runID)
	delete(r.byTenant, h.TenantID)
}

// Get returns the handle for a run, if this process holds one.
func (r *Registry) Get(runID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byRun[runID]
	return h, ok
}

// Has reports whether a live handle exists for the run.
func (r *Registry) Has(runID string) bool {
	_, ok := r.Get(runID)
	return ok
}

// ActiveForTenant returns the tenant's handle, if any.
func (r *Registry) ActiveForTenant(tenantID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byTenant[tenantID]
	return h, ok
}

// Cancel signals the run's handle if present. Returns false when this
// process holds no handle; the caller then operates on the store alone.
func (r *Registry) Cancel(runID string) bool {
	r.mu.RLock()
	h, ok := r.byRun[runID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Close cancels every handle and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, h := range r.byRun {
		h.Cancel()
	}
	r.byRun = make(map[string]*Handle)
	r.byTenant = make(map[string]*Handle)
}
