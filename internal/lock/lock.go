// Package lock derives per-field soft locks from awareness records.
//
// A replica claims a field by focusing it. Every record focused on a field
// is a claimant; the claimant with the highest claim epoch holds the field,
// ties going to the smallest replica ID. Because every replica sees the same
// records once awareness has propagated, every observer names the same
// holder. The holder itself always sees its field unlocked.
package lock

import (
	"sync"

	"github.com/hpungsan/fieldsync/internal/awareness"
	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/notify"
	"github.com/hpungsan/fieldsync/internal/replica"
)

// View is the lock state of one field as seen by one replica.
type View struct {
	Field  string         `json:"field"`
	Locked bool           `json:"locked"`
	Holder replica.ID     `json:"holder,omitempty"`
	User   awareness.User `json:"user,omitempty"`
}

// same reports whether v and o describe the same lock state.
func (v View) same(o View) bool {
	return v.Locked == o.Locked && v.Holder == o.Holder
}

// Resolve computes the view of field for the replica local from a snapshot
// of awareness records.
func Resolve(local replica.ID, field string, states map[replica.ID]awareness.State) View {
	v := View{Field: field}
	if field == "" {
		return v
	}
	winner, ok := holder(field, states)
	if !ok || winner == local {
		return v
	}
	v.Locked = true
	v.Holder = winner
	v.User = states[winner].User
	return v
}

// holder picks the winning claimant of field.
func holder(field string, states map[replica.ID]awareness.State) (replica.ID, bool) {
	var best replica.ID
	var bestClaim uint64
	found := false
	for id, s := range states {
		if s.FocusedField != field {
			continue
		}
		if !found || s.Claim > bestClaim || (s.Claim == bestClaim && id < best) {
			best, bestClaim, found = id, s.Claim, true
		}
	}
	return best, found
}

// nextClaim returns an epoch higher than every current claim on field.
func nextClaim(field string, states map[replica.ID]awareness.State) uint64 {
	var top uint64
	for _, s := range states {
		if s.FocusedField == field && s.Claim > top {
			top = s.Claim
		}
	}
	return top + 1
}

// Coordinator tracks lock views over a registry and reports transitions.
type Coordinator struct {
	reg    *awareness.Registry
	cancel func()

	mu       sync.Mutex
	views    map[string]View
	subs     map[string]*notify.List[View]
	closed   bool
	dispatch notify.Dispatcher
}

// New creates a coordinator observing reg.
func New(reg *awareness.Registry) *Coordinator {
	c := &Coordinator{
		reg:   reg,
		views: make(map[string]View),
		subs:  make(map[string]*notify.List[View]),
	}
	c.cancel = reg.Subscribe(func(awareness.Change) { c.recompute() })
	return c
}

// View returns the current view of field.
func (c *Coordinator) View(field string) View {
	return Resolve(c.reg.LocalID(), field, c.reg.All())
}

// Subscribe registers fn for lock transitions of field: unlocked to locked,
// locked to unlocked, and a change of holder. The state at subscription time
// is the baseline; use View to read it.
func (c *Coordinator) Subscribe(field string, fn func(View)) (cancel func()) {
	c.mu.Lock()
	l, ok := c.subs[field]
	if !ok {
		l = &notify.List[View]{}
		c.subs[field] = l
		c.views[field] = Resolve(c.reg.LocalID(), field, c.reg.All())
	}
	c.mu.Unlock()
	return l.Subscribe(fn)
}

func (c *Coordinator) recompute() {
	states := c.reg.All()
	local := c.reg.LocalID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for field, l := range c.subs {
		next := Resolve(local, field, states)
		prev := c.views[field]
		c.views[field] = next
		if !prev.same(next) {
			l.Emit(&c.dispatch, next)
		}
	}
	c.mu.Unlock()

	c.dispatch.Drain()
}

// Acquire focuses field for the local replica. It fails with FIELD_LOCKED
// when a remote replica holds the field. Acquiring a field already held
// locally is a no-op.
func (c *Coordinator) Acquire(field string) error {
	if field == "" {
		return errors.NewInvalidRequest("field must not be empty")
	}
	states := c.reg.All()
	local := c.reg.LocalID()
	v := Resolve(local, field, states)
	if v.Locked {
		name := v.User.Name
		if name == "" {
			name = v.Holder.String()
		}
		return errors.NewFieldLocked(field, name)
	}
	if states[local].FocusedField == field {
		return nil
	}
	claim := nextClaim(field, states)
	c.reg.SetLocal(awareness.Patch{FocusedField: &field, Claim: &claim})
	return nil
}

// Release clears the local focus if it is still on field.
func (c *Coordinator) Release(field string) {
	if field == "" || c.reg.Local().FocusedField != field {
		return
	}
	none := ""
	var zero uint64
	c.reg.SetLocal(awareness.Patch{FocusedField: &none, Claim: &zero})
}

// Steal claims field unconditionally with an epoch above every current
// claim, so every observer resolves the local replica as the holder. The
// previous holder is not notified directly; its record still names the field
// until it blurs.
func (c *Coordinator) Steal(field string) error {
	if field == "" {
		return errors.NewInvalidRequest("field must not be empty")
	}
	claim := nextClaim(field, c.reg.All())
	c.reg.SetLocal(awareness.Patch{FocusedField: &field, Claim: &claim})
	return nil
}

// Close detaches the coordinator from its registry. No transition is
// reported after Close returns on the dispatching goroutine.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
