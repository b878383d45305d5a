package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/replica"
)

var (
	alex = User{Name: "Alex", Color: "#f472b6"}
	dan  = User{Name: "Dan", Color: "#3b82f6"}
)

func ptr[T any](v T) *T { return &v }

// pipe forwards every outgoing delta of from into to.
func pipe(t *testing.T, from, to *Registry) {
	t.Helper()
	from.OnUpdate(func(u Update) {
		_, err := to.ApplyUpdate(u.Payload)
		require.NoError(t, err)
	})
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSetLocal_ReflectsSynchronously(t *testing.T) {
	r := NewRegistry(replica.New())
	r.SetLocal(Patch{User: &alex})
	r.SetLocal(Patch{FocusedField: ptr("project_title"), Claim: ptr(uint64(1))})

	require.Equal(t, State{User: alex, FocusedField: "project_title", Claim: 1}, r.Local())

	r.SetLocal(Patch{FocusedField: ptr(""), Claim: ptr(uint64(0))})
	require.Equal(t, State{User: alex}, r.Local())
}

func TestSetLocal_ChangeOnlyWhenDifferent(t *testing.T) {
	r := NewRegistry(replica.New())
	var changes []Change
	var updates int
	r.Subscribe(func(c Change) { changes = append(changes, c) })
	r.OnUpdate(func(Update) { updates++ })

	r.SetLocal(Patch{User: &alex})
	r.SetLocal(Patch{User: &alex})

	require.Len(t, changes, 1)
	require.True(t, changes[0].Local)
	require.Equal(t, []replica.ID{r.LocalID()}, changes[0].Updated)
	require.Equal(t, 2, updates)
}

func TestApplyUpdate_PropagatesRecords(t *testing.T) {
	a := NewRegistry(replica.New())
	b := NewRegistry(replica.New())
	pipe(t, a, b)

	var changes []Change
	b.Subscribe(func(c Change) { changes = append(changes, c) })

	a.SetLocal(Patch{User: &alex})
	a.SetLocal(Patch{FocusedField: ptr("project_title"), Claim: ptr(uint64(1))})

	got, ok := b.Get(a.LocalID())
	require.True(t, ok)
	require.Equal(t, State{User: alex, FocusedField: "project_title", Claim: 1}, got)
	require.Len(t, changes, 2)
	require.Equal(t, []replica.ID{a.LocalID()}, changes[0].Added)
	require.Equal(t, []replica.ID{a.LocalID()}, changes[1].Updated)
	require.False(t, changes[1].Local)
}

func TestApplyUpdate_StaleClockIgnored(t *testing.T) {
	a := NewRegistry(replica.New())
	b := NewRegistry(replica.New())

	var deltas [][]byte
	a.OnUpdate(func(u Update) { deltas = append(deltas, u.Payload) })
	a.SetLocal(Patch{User: &alex})
	a.SetLocal(Patch{FocusedField: ptr("project_title")})

	_, err := b.ApplyUpdate(deltas[1])
	require.NoError(t, err)
	_, err = b.ApplyUpdate(deltas[0])
	require.NoError(t, err)

	got, _ := b.Get(a.LocalID())
	require.Equal(t, "project_title", got.FocusedField)
}

func TestApplyUpdate_ReturnsNewClients(t *testing.T) {
	a := NewRegistry(replica.New())
	b := NewRegistry(replica.New())
	a.SetLocal(Patch{User: &alex})

	added, err := b.ApplyUpdate(a.Encode())
	require.NoError(t, err)
	require.Equal(t, []replica.ID{a.LocalID()}, added)

	added, err = b.ApplyUpdate(a.Encode())
	require.NoError(t, err)
	require.Empty(t, added)
}

func TestApplyUpdate_UnsetUserStillAccepted(t *testing.T) {
	a := NewRegistry(replica.New())
	b := NewRegistry(replica.New())

	added, err := b.ApplyUpdate(a.Encode(a.LocalID()))
	require.NoError(t, err)
	require.Equal(t, []replica.ID{a.LocalID()}, added)
	require.Len(t, b.All(), 2)
}

func TestLeave_RemovesRecordOnPeers(t *testing.T) {
	a := NewRegistry(replica.New())
	b := NewRegistry(replica.New())
	pipe(t, a, b)
	a.SetLocal(Patch{User: &alex})

	var removed []replica.ID
	b.Subscribe(func(c Change) { removed = append(removed, c.Removed...) })

	a.Leave()
	_, ok := b.Get(a.LocalID())
	require.False(t, ok)
	require.Equal(t, []replica.ID{a.LocalID()}, removed)

	// the local record survives and comes back on the next broadcast
	require.Equal(t, alex, a.Local().User)
	a.SetLocal(Patch{FocusedField: ptr("x")})
	_, ok = b.Get(a.LocalID())
	require.True(t, ok)
}

func TestApplyUpdate_ReannouncesWhenToldGone(t *testing.T) {
	a := NewRegistry(replica.New())
	b := NewRegistry(replica.New())
	a.SetLocal(Patch{User: &alex})
	_, err := b.ApplyUpdate(a.Encode())
	require.NoError(t, err)

	// b prunes a and gossips the removal back
	var removal []byte
	removal = appendEntry(removal, a.LocalID(), 99, nil)

	var reannounced []Update
	a.OnUpdate(func(u Update) { reannounced = append(reannounced, u) })
	_, err = a.ApplyUpdate(removal)
	require.NoError(t, err)

	require.Len(t, reannounced, 1)
	require.Equal(t, alex, a.Local().User)
}

func TestRemove_FiresChangeAndSkipsLocal(t *testing.T) {
	a := NewRegistry(replica.New())
	b := NewRegistry(replica.New())
	a.SetLocal(Patch{User: &alex})
	_, err := b.ApplyUpdate(a.Encode())
	require.NoError(t, err)

	var changes []Change
	b.Subscribe(func(c Change) { changes = append(changes, c) })

	b.Remove(a.LocalID(), b.LocalID(), replica.New())
	require.Len(t, changes, 1)
	require.Equal(t, []replica.ID{a.LocalID()}, changes[0].Removed)
	require.Equal(t, []replica.ID{b.LocalID()}, b.Clients())

	// a stale delta from the removed replica does not resurrect it
	_, err = b.ApplyUpdate(a.Encode())
	require.NoError(t, err)
	_, ok := b.Get(a.LocalID())
	require.False(t, ok)
}

func TestTick_RenewsAndPrunes(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := NewRegistry(replica.New(), WithTimeout(10*time.Second), WithClock(clock.now))
	b := NewRegistry(replica.New(), WithTimeout(10*time.Second), WithClock(clock.now))
	a.SetLocal(Patch{User: &alex})
	b.SetLocal(Patch{User: &dan})
	_, err := b.ApplyUpdate(a.Encode())
	require.NoError(t, err)

	var renewals int
	a.OnUpdate(func(Update) { renewals++ })

	clock.advance(4 * time.Second)
	a.Tick(clock.now())
	require.Equal(t, 0, renewals)

	clock.advance(2 * time.Second)
	a.Tick(clock.now())
	require.Equal(t, 1, renewals)

	var removed []replica.ID
	b.Subscribe(func(c Change) { removed = append(removed, c.Removed...) })
	clock.advance(5 * time.Second)
	b.Tick(clock.now())
	require.Equal(t, []replica.ID{a.LocalID()}, removed)
	_, ok := b.Get(b.LocalID())
	require.True(t, ok)
}

func TestApplyUpdate_Malformed(t *testing.T) {
	r := NewRegistry(replica.New())
	_, err := r.ApplyUpdate([]byte{0x0a, 0x05, 0x01})
	require.True(t, errors.Is(err, errors.ErrMalformedDelta), "err = %v", err)
}

func TestSubscribe_CancelStopsDelivery(t *testing.T) {
	r := NewRegistry(replica.New())
	calls := 0
	cancel := r.Subscribe(func(Change) { calls++ })
	r.SetLocal(Patch{User: &alex})
	cancel()
	r.SetLocal(Patch{User: &dan})
	require.Equal(t, 1, calls)
}
