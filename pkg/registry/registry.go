// Package registry implements the client registry (C6): the catalogue of
// discovered/paired/connected clients and their screen info, shared by the
// discovery listener, pairing module, and router under the multi-writer/
// multi-reader discipline of §5 ("a single internal lock guards mutations,
// all reads take short-lived snapshots").
//
// The teacher's session_registry.go keeps its client catalogue in a
// sync.Map of *ConnectedClient behind type assertions, read via Range and
// mutated via Load/Store pairs that are not atomic across the read-modify-
// write. This package keeps the same "single registry, short-lived
// snapshot reads" shape but swaps sync.Map for a typed
// github.com/puzpuzpuz/xsync/v3 map so mutators are single atomic
// Compute calls instead of separate Load/Store steps, and so the entries
// carry kvmtypes.Client values directly rather than interface{}-typed
// pointers needing a type assertion at every call site.
package registry

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// Registry is the C6 client catalogue.
type Registry struct {
	clients *xsync.MapOf[kvmtypes.ClientID, kvmtypes.Client]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{clients: xsync.NewMapOf[kvmtypes.ClientID, kvmtypes.Client]()}
}

// Upsert inserts id if absent, or applies mutate to the existing entry,
// and returns the resulting value. When id is not yet present, mutate
// receives a new Client with ID set to id and ConnectionState set to
// StateDiscovered.
func (r *Registry) Upsert(id kvmtypes.ClientID, mutate func(kvmtypes.Client) kvmtypes.Client) kvmtypes.Client {
	result, _ := r.clients.Compute(id, func(old kvmtypes.Client, loaded bool) (kvmtypes.Client, bool) {
		if !loaded {
			old = kvmtypes.Client{ID: id, ConnectionState: kvmtypes.StateDiscovered}
		}
		return mutate(old), false
	})
	return result
}

// Remove deletes id from the registry entirely. The spec's §4.6 invariant
// ("transitions to Disconnected but is not removed") is enforced by
// callers: Remove is for the explicit operator-initiated removal in
// §3's lifecycle section, not for ordinary session teardown (use
// MarkDisconnected for that).
func (r *Registry) Remove(id kvmtypes.ClientID) {
	r.clients.Delete(id)
}

// Get returns a snapshot copy of id's entry, if present.
func (r *Registry) Get(id kvmtypes.ClientID) (kvmtypes.Client, bool) {
	c, ok := r.clients.Load(id)
	if !ok {
		return kvmtypes.Client{}, false
	}
	return c.Clone(), true
}

// SnapshotAll returns a snapshot copy of every entry. The slice is safe to
// range over without holding any lock; it reflects the registry's state
// at some instant during the call, per §5's "short-lived snapshot" policy.
func (r *Registry) SnapshotAll() []kvmtypes.Client {
	out := make([]kvmtypes.Client, 0, r.clients.Size())
	r.clients.Range(func(_ kvmtypes.ClientID, c kvmtypes.Client) bool {
		out = append(out, c.Clone())
		return true
	})
	return out
}

// MarkConnected transitions id to Connected. It is a no-op if id is absent.
func (r *Registry) MarkConnected(id kvmtypes.ClientID) {
	r.clients.Compute(id, func(old kvmtypes.Client, loaded bool) (kvmtypes.Client, bool) {
		if !loaded {
			return old, true // abort: nothing to mark
		}
		old.ConnectionState = kvmtypes.StateConnected
		return old, false
	})
}

// MarkDisconnected transitions id to Disconnected, preserving its pairing
// credential and last-known screen info (§4.6 invariant).
func (r *Registry) MarkDisconnected(id kvmtypes.ClientID) {
	r.clients.Compute(id, func(old kvmtypes.Client, loaded bool) (kvmtypes.Client, bool) {
		if !loaded {
			return old, true
		}
		old.ConnectionState = kvmtypes.StateDisconnected
		return old, false
	})
}

// UpdateScreenInfo replaces id's known screen info.
func (r *Registry) UpdateScreenInfo(id kvmtypes.ClientID, info kvmtypes.ClientScreen) {
	r.clients.Compute(id, func(old kvmtypes.Client, loaded bool) (kvmtypes.Client, bool) {
		if !loaded {
			return old, true
		}
		cp := info
		cp.Monitors = append([]kvmtypes.MonitorInfo(nil), info.Monitors...)
		old.ScreenInfo = &cp
		return old, false
	})
}

// UpdateStats records the latest latency/throughput sample reported by a
// session's stats sampler.
func (r *Registry) UpdateStats(id kvmtypes.ClientID, latencyMS float32, eventsPerSecond uint32) {
	r.clients.Compute(id, func(old kvmtypes.Client, loaded bool) (kvmtypes.Client, bool) {
		if !loaded {
			return old, true
		}
		old.LatencyMS = latencyMS
		old.EventsPerSecond = eventsPerSecond
		return old, false
	})
}
