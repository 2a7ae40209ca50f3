// Package registry tracks in-flight generation requests and supervises their
// deadlines. The registry is the single source of truth for "is this request
// still pending": whichever of result delivery and timeout removes the entry
// first owns the terminal notification.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/odalys-dev/comfyrelay/internal/model"
)

// ErrDuplicateID is returned when registering a request id that is already
// pending.
var ErrDuplicateID = errors.New("request id already pending")

// Registry is a concurrent-safe mapping from request id to pending request.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*model.PendingRequest
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		pending: make(map[string]*model.PendingRequest),
	}
}

// Register adds a request to the registry. Request ids must be unique among
// currently-pending requests; a duplicate id fails without overwriting.
func (r *Registry) Register(req *model.PendingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[req.RequestID]; exists {
		return ErrDuplicateID
	}
	r.pending[req.RequestID] = req
	return nil
}

// Get returns the pending request for the given id, or false if the id is
// not pending.
func (r *Registry) Get(id string) (*model.PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[id]
	return req, ok
}

// Remove atomically takes the entry for the given id out of the registry,
// returning it along with whether it was present. Remove is idempotent: a
// second call for the same id returns false with no side effects. Callers
// perform terminal side effects only when Remove reports true, which closes
// the race between result delivery and timeout.
func (r *Registry) Remove(id string) (*model.PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	return req, true
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// List returns all pending requests sorted by request id for a stable API
// response.
func (r *Registry) List() []*model.PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.PendingRequest, 0, len(r.pending))
	for _, req := range r.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID < out[j].RequestID
	})
	return out
}
