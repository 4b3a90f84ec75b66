package session

import (
	"sync"
	"time"

	"github.com/Vodeneev/betagent/internal/driver"
	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/transport"
)

// Handle is the single in-process owner of one account's live session: the
// transport identity plus the browser bound to it. All platform traffic for
// the account flows through this handle. The liveness fields are guarded:
// the background sweep and the account's worker both touch them.
type Handle struct {
	AccountID string
	Identity  *transport.Identity
	Driver    driver.Driver

	mu             sync.Mutex
	state          models.SessionState
	lastVerifiedAt time.Time
	heartbeatAt    time.Time
}

func NewHandle(accountID string, id *transport.Identity, drv driver.Driver, state models.SessionState) *Handle {
	return &Handle{AccountID: accountID, Identity: id, Driver: drv, state: state}
}

func (h *Handle) State() models.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) SetState(s models.SessionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *Handle) LastVerifiedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastVerifiedAt
}

func (h *Handle) HeartbeatAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heartbeatAt
}

// MarkVerified records a successful liveness probe.
func (h *Handle) MarkVerified(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = models.SessionLive
	h.lastVerifiedAt = now
	h.heartbeatAt = now
}

// VerifiedWithin reports whether the last successful probe is younger than ttl.
func (h *Handle) VerifiedWithin(ttl time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastVerifiedAt) < ttl
}

// HeartbeatDue reports whether the handle has been idle for at least ttl.
func (h *Handle) HeartbeatDue(ttl time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.heartbeatAt) >= ttl
}

// Registry holds at most one handle per account.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Get(accountID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[accountID]
}

// Put installs the handle, replacing any previous one for the account. The
// replaced handle is returned so its resources can be released.
func (r *Registry) Put(h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.handles[h.AccountID]
	r.handles[h.AccountID] = h
	return prev
}

func (r *Registry) Remove(accountID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[accountID]
	delete(r.handles, accountID)
	return h
}

func (r *Registry) All() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
