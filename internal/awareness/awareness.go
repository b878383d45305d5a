// Package awareness keeps the ephemeral presence record of every replica
// connected to a document: who the user is and which field they focus.
//
// Each replica owns exactly one record and is the only writer of it. Records
// carry a per-client clock; a remote delta only replaces a record when its
// clock is newer. Records disappear when the transport reports a disconnect
// or when they are not renewed within the liveness timeout.
package awareness

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/fieldsync/internal/notify"
	"github.com/hpungsan/fieldsync/internal/replica"
)

// DefaultTimeout is how long a remote record survives without renewal.
const DefaultTimeout = 30 * time.Second

// User is the identity shown to other editors. It is chosen once per session.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// State is the awareness record of one replica. FocusedField is empty when
// the replica focuses no field. Claim is the claim epoch of the current
// focus; it is zero when nothing is focused.
type State struct {
	User         User   `json:"user"`
	FocusedField string `json:"focused_field,omitempty"`
	Claim        uint64 `json:"claim,omitempty"`
}

// Patch names the parts of the local record to change. Nil members are left
// untouched.
type Patch struct {
	User         *User
	FocusedField *string
	Claim        *uint64
}

// Change describes one registry mutation.
type Change struct {
	Added   []replica.ID
	Updated []replica.ID
	Removed []replica.ID
	// Local is true when the mutation was made by SetLocal or a renew.
	Local bool
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Update is an outgoing delta to broadcast to the other replicas.
type Update struct {
	Payload []byte
	Clients []replica.ID
}

type entry struct {
	state State
	seen  time.Time
}

// Registry maps replica identities to their awareness records.
type Registry struct {
	local   replica.ID
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	entries  map[replica.ID]*entry
	clocks   map[replica.ID]uint64 // kept after removal so stale deltas cannot resurrect a record
	renewed  time.Time
	leaving  bool
	changes  notify.List[Change]
	updates  notify.List[Update]
	dispatch notify.Dispatcher
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the liveness timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry whose local record belongs to local. The
// local record starts with an empty user and no focus.
func NewRegistry(local replica.ID, opts ...Option) *Registry {
	r := &Registry{
		local:   local,
		timeout: DefaultTimeout,
		now:     time.Now,
		entries: make(map[replica.ID]*entry),
		clocks:  make(map[replica.ID]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	now := r.now()
	r.entries[local] = &entry{seen: now}
	r.clocks[local] = 0
	r.renewed = now
	return r
}

// LocalID returns the replica that owns the local record.
func (r *Registry) LocalID() replica.ID {
	return r.local
}

// Timeout returns the liveness timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Local returns the local record.
func (r *Registry) Local() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[r.local].state
}

// Get returns the record of id.
func (r *Registry) Get(id replica.ID) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// All returns a snapshot of every known record, the local one included.
func (r *Registry) All() map[replica.ID]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[replica.ID]State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}

// Clients returns the known replica IDs in sorted order.
func (r *Registry) Clients() []replica.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedClients()
}

func (r *Registry) sortedClients() []replica.ID {
	ids := make([]replica.ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subscribe registers fn for every registry change, local or remote.
func (r *Registry) Subscribe(fn func(Change)) (cancel func()) {
	return r.changes.Subscribe(fn)
}

// OnUpdate registers fn for every outgoing delta.
func (r *Registry) OnUpdate(fn func(Update)) (cancel func()) {
	return r.updates.Subscribe(fn)
}

// SetLocal merges p into the local record and broadcasts the full local
// state. A change event is emitted only if the record actually changed.
func (r *Registry) SetLocal(p Patch) {
	r.mu.Lock()
	e := r.entries[r.local]
	next := e.state
	if p.User != nil {
		next.User = *p.User
	}
	if p.FocusedField != nil {
		next.FocusedField = *p.FocusedField
	}
	if p.Claim != nil {
		next.Claim = *p.Claim
	}
	changed := next != e.state
	e.state = next
	r.leaving = false
	r.bumpLocal()
	if changed {
		r.changes.Emit(&r.dispatch, Change{Updated: []replica.ID{r.local}, Local: true})
	}
	r.mu.Unlock()

	r.dispatch.Drain()
}

// bumpLocal advances the local clock and enqueues the local state for
// broadcast. Callers hold r.mu.
func (r *Registry) bumpLocal() {
	now := r.now()
	r.clocks[r.local]++
	r.entries[r.local].seen = now
	r.renewed = now
	r.updates.Emit(&r.dispatch, Update{
		Payload: r.encode([]replica.ID{r.local}),
		Clients: []replica.ID{r.local},
	})
}

// Announce re-broadcasts the full local state without changing it.
func (r *Registry) Announce() {
	r.mu.Lock()
	r.bumpLocal()
	r.mu.Unlock()
	r.dispatch.Drain()
}

// Leave broadcasts that the local replica is gone, so peers can drop its
// record before the transport reports the disconnect. The local record is
// kept; a later SetLocal or Announce brings the replica back.
func (r *Registry) Leave() {
	r.mu.Lock()
	r.clocks[r.local]++
	r.leaving = true
	var b []byte
	b = appendEntry(b, r.local, r.clocks[r.local], nil)
	r.updates.Emit(&r.dispatch, Update{Payload: b, Clients: []replica.ID{r.local}})
	r.mu.Unlock()
	r.dispatch.Drain()
}

// Encode returns a delta holding the full records of ids, or of every known
// replica when ids is empty. Unknown ids are skipped.
func (r *Registry) Encode(ids ...replica.ID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(ids) == 0 {
		ids = r.sortedClients()
	}
	return r.encode(ids)
}

func (r *Registry) encode(ids []replica.ID) []byte {
	var b []byte
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		s := e.state
		b = appendEntry(b, id, r.clocks[id], &s)
	}
	return b
}

// ApplyUpdate merges a remote delta and returns the replicas it introduced.
// A record is replaced when the delta's clock is newer than the known one; a
// null record with the same clock removes it. A delta claiming the local
// replica is gone makes the registry re-announce the local state.
func (r *Registry) ApplyUpdate(data []byte) (added []replica.ID, err error) {
	entries, err := decodeUpdate(data)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := r.now()
	var change Change
	reannounce := false
	for _, in := range entries {
		if in.client == r.local {
			if in.state == nil && !r.leaving {
				reannounce = true
				if in.clock > r.clocks[r.local] {
					r.clocks[r.local] = in.clock
				}
			}
			continue
		}
		cur, known := r.clocks[in.client]
		e, present := r.entries[in.client]
		if known && !(cur < in.clock || (cur == in.clock && in.state == nil && present)) {
			continue
		}
		r.clocks[in.client] = in.clock
		switch {
		case in.state == nil:
			if present {
				delete(r.entries, in.client)
				change.Removed = append(change.Removed, in.client)
			}
		case !present:
			r.entries[in.client] = &entry{state: *in.state, seen: now}
			change.Added = append(change.Added, in.client)
		default:
			e.seen = now
			if e.state != *in.state {
				e.state = *in.state
				change.Updated = append(change.Updated, in.client)
			}
		}
	}
	if reannounce {
		r.bumpLocal()
	}
	if !change.empty() {
		r.changes.Emit(&r.dispatch, change)
	}
	r.mu.Unlock()

	r.dispatch.Drain()
	return change.Added, nil
}

// Remove drops the records of ids, typically on a transport disconnect. The
// local record is never removed.
func (r *Registry) Remove(ids ...replica.ID) {
	r.mu.Lock()
	var change Change
	for _, id := range ids {
		if id == r.local {
			continue
		}
		if _, ok := r.entries[id]; ok {
			delete(r.entries, id)
			change.Removed = append(change.Removed, id)
		}
	}
	if !change.empty() {
		r.changes.Emit(&r.dispatch, change)
	}
	r.mu.Unlock()

	r.dispatch.Drain()
}

// Tick renews the local record when half the timeout has passed since the
// last broadcast and prunes remote records not renewed within the timeout.
func (r *Registry) Tick(now time.Time) {
	r.mu.Lock()
	if !r.leaving && now.Sub(r.renewed) >= r.timeout/2 {
		r.bumpLocal()
	}
	var change Change
	for _, id := range r.sortedClients() {
		if id == r.local {
			continue
		}
		if now.Sub(r.entries[id].seen) >= r.timeout {
			delete(r.entries, id)
			change.Removed = append(change.Removed, id)
		}
	}
	if !change.empty() {
		r.changes.Emit(&r.dispatch, change)
	}
	r.mu.Unlock()

	r.dispatch.Drain()
}

// Run calls Tick every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(r.now())
		}
	}
}
