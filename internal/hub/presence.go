package hub

import (
	"sync"

	"github.com/civicworks/roadwatch/internal/model"
)

type presenceRecord struct {
	role   model.Role
	typing bool
}

// PresenceTracker holds the ephemeral per-connection typing records for one
// channel. Nothing is persisted; a record lives exactly as long as its
// connection is registered. Multiple connections under the same role are
// tracked individually, and the only observable signal is the OR over them.
type PresenceTracker struct {
	mu      sync.RWMutex
	records map[string]presenceRecord // keyed by connection id
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{records: make(map[string]presenceRecord)}
}

// Track idempotently republishes a connection's record, last write wins.
// It reports whether the tracked state actually changed, so callers can
// suppress redundant sync broadcasts.
func (t *PresenceTracker) Track(connID string, role model.Role, typing bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := presenceRecord{role: role, typing: typing}
	prev, ok := t.records[connID]
	if ok && prev == next {
		return false
	}
	t.records[connID] = next
	return true
}

// Remove drops a connection's record. Reports whether a record existed.
func (t *PresenceTracker) Remove(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[connID]; !ok {
		return false
	}
	delete(t.records, connID)
	return true
}

// Observe reports whether any tracked connection of the given role is typing.
func (t *PresenceTracker) Observe(role model.Role) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, rec := range t.records {
		if rec.role == role && rec.typing {
			return true
		}
	}
	return false
}

// Snapshot returns the per-role typing signal for a sync payload.
func (t *PresenceTracker) Snapshot() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := map[string]bool{
		string(model.RoleCitizen): false,
		string(model.RoleAdmin):   false,
	}
	for _, rec := range t.records {
		if rec.typing {
			out[string(rec.role)] = true
		}
	}
	return out
}

// Size returns the number of tracked connections.
func (t *PresenceTracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
