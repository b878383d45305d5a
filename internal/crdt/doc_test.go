package crdt

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/replica"
)

const title = "project_title"

// recorder collects the update deltas a doc emits for local transactions.
func recorder(d *Doc) *[][]byte {
	var out [][]byte
	d.OnUpdate(func(e UpdateEvent) {
		if !e.Remote {
			out = append(out, e.Payload)
		}
	})
	return &out
}

func applyAll(t *testing.T, d *Doc, updates ...[]byte) {
	t.Helper()
	for _, u := range updates {
		require.NoError(t, d.ApplyUpdate(u))
	}
}

func TestApply_ReplacesContent(t *testing.T) {
	d := NewDoc(replica.New())

	require.NoError(t, d.Apply(title, "Hello", "local"))
	require.Equal(t, "Hello", d.Text(title))

	require.NoError(t, d.Apply(title, "Help me", "local"))
	require.Equal(t, "Help me", d.Text(title))

	require.NoError(t, d.Apply(title, "", "local"))
	require.Equal(t, "", d.Text(title))
}

func TestApply_MinimalEditKeepsConcurrentEdits(t *testing.T) {
	a := NewDoc(replica.New())
	b := NewDoc(replica.New())
	ua, ub := recorder(a), recorder(b)

	require.NoError(t, a.Apply(title, "hello world", "a"))
	applyAll(t, b, *ua...)
	*ua = nil

	// a edits the start, b edits the end, concurrently
	require.NoError(t, a.Apply(title, "HELLO world", "a"))
	require.NoError(t, b.Apply(title, "hello world!", "b"))
	applyAll(t, a, *ub...)
	applyAll(t, b, *ua...)

	require.Equal(t, "HELLO world!", a.Text(title))
	require.Equal(t, a.Text(title), b.Text(title))
}

func TestApply_SameValueIsNoop(t *testing.T) {
	d := NewDoc(replica.New())
	updates := recorder(d)

	require.NoError(t, d.Apply(title, "same", "x"))
	require.NoError(t, d.Apply(title, "same", "x"))
	require.Len(t, *updates, 1)
}

func TestConcurrentInsertAtStart_Converges(t *testing.T) {
	a := NewDoc(replica.New())
	b := NewDoc(replica.New())
	ua, ub := recorder(a), recorder(b)

	require.NoError(t, a.Apply(title, "Hello", "a"))
	require.NoError(t, b.Apply(title, "Hi ", "b"))

	applyAll(t, a, *ub...)
	applyAll(t, b, *ua...)

	got := a.Text(title)
	require.Equal(t, got, b.Text(title))
	require.Len(t, []rune(got), len("Hello")+len("Hi "))
	// each run stays contiguous; only the order between them is merge-defined
	require.True(t, got == "HelloHi " || got == "Hi Hello", "got %q", got)
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	a := NewDoc(replica.New())
	b := NewDoc(replica.New())
	ua := recorder(a)

	require.NoError(t, a.Apply(title, "abc", "a"))
	require.NoError(t, a.Transact("a", func(tx *Tx) error { return tx.Delete(title, 1, 1) }))

	applyAll(t, b, *ua...)
	applyAll(t, b, *ua...)
	applyAll(t, b, (*ua)[0])

	require.Equal(t, "ac", b.Text(title))
	require.Equal(t, 0, b.Pending())
}

func TestTransact_InvalidUTF8Converges(t *testing.T) {
	a := NewDoc(replica.New())
	b := NewDoc(replica.New())
	ua := recorder(a)

	require.NoError(t, a.Transact("a", func(tx *Tx) error { return tx.Insert(title, 0, "caf\xe9") }))
	require.NoError(t, a.Transact("a", func(tx *Tx) error { return tx.Insert(title, 0, "X") }))
	require.Equal(t, "Xcaf\uFFFD", a.Text(title))

	applyAll(t, b, *ua...)
	require.Equal(t, a.Text(title), b.Text(title))
	require.Equal(t, 0, b.Pending())
}

func TestApplyUpdate_OutOfOrderBuffersUntilGapFills(t *testing.T) {
	a := NewDoc(replica.New())
	b := NewDoc(replica.New())
	ua := recorder(a)

	require.NoError(t, a.Apply(title, "ab", "a"))
	require.NoError(t, a.Transact("a", func(tx *Tx) error { return tx.Insert(title, 2, "cd") }))
	require.NoError(t, a.Transact("a", func(tx *Tx) error { return tx.Delete(title, 0, 1) }))
	require.Len(t, *ua, 3)

	applyAll(t, b, (*ua)[2], (*ua)[1])
	require.Equal(t, "", b.Text(title))
	require.Greater(t, b.Pending(), 0)

	applyAll(t, b, (*ua)[0])
	require.Equal(t, "bcd", b.Text(title))
	require.Equal(t, a.Text(title), b.Text(title))
	require.Equal(t, 0, b.Pending())
}

func TestApplyUpdate_RandomInterleavingsConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const replicas = 3

	docs := make([]*Doc, replicas)
	logs := make([]*[][]byte, replicas)
	for i := range docs {
		docs[i] = NewDoc(replica.New())
		logs[i] = recorder(docs[i])
	}

	// each replica edits its own copy without seeing the others
	for round := 0; round < 20; round++ {
		for i, d := range docs {
			cur := []rune(d.Text(title))
			if len(cur) > 0 && rng.Intn(3) == 0 {
				pos := rng.Intn(len(cur))
				require.NoError(t, d.Transact(Origin(fmt.Sprint(i)), func(tx *Tx) error {
					return tx.Delete(title, pos, 1)
				}))
				continue
			}
			pos := rng.Intn(len(cur) + 1)
			text := string(rune('a'+i)) + fmt.Sprint(round%10)
			require.NoError(t, d.Transact(Origin(fmt.Sprint(i)), func(tx *Tx) error {
				return tx.Insert(title, pos, text)
			}))
		}
	}

	var all [][]byte
	for _, l := range logs {
		all = append(all, *l...)
	}

	var want string
	for trial := 0; trial < 5; trial++ {
		shuffled := append([][]byte(nil), all...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		// duplicate a few deltas
		shuffled = append(shuffled, shuffled[:5]...)

		fresh := NewDoc(replica.New())
		applyAll(t, fresh, shuffled...)
		require.Equal(t, 0, fresh.Pending())

		if trial == 0 {
			want = fresh.Text(title)
			continue
		}
		require.Equal(t, want, fresh.Text(title), "trial %d", trial)
	}

	for _, d := range docs {
		for _, l := range logs {
			applyAll(t, d, *l...)
		}
		require.Equal(t, want, d.Text(title))
	}
}

func TestObserve_ReportsOriginAndText(t *testing.T) {
	a := NewDoc(replica.New())
	b := NewDoc(replica.New())
	ua := recorder(a)

	var events []TextEvent
	cancel := b.Observe(title, func(e TextEvent) { events = append(events, e) })
	defer cancel()

	require.NoError(t, a.Apply(title, "abc", "alex"))
	applyAll(t, b, *ua...)
	require.NoError(t, b.Apply(title, "abcd", "dan"))

	require.Len(t, events, 2)
	require.Equal(t, TextEvent{Field: title, Text: "abc", Origin: "alex"}, events[0])
	require.Equal(t, TextEvent{Field: title, Text: "abcd", Origin: "dan"}, events[1])
}

func TestObserve_OtherFieldsNotReported(t *testing.T) {
	d := NewDoc(replica.New())
	calls := 0
	d.Observe("project_description", func(TextEvent) { calls++ })

	require.NoError(t, d.Apply(title, "x", "o"))
	require.Equal(t, 0, calls)
}

func TestObserve_CancelStopsDelivery(t *testing.T) {
	d := NewDoc(replica.New())
	calls := 0
	cancel := d.Observe(title, func(TextEvent) { calls++ })

	require.NoError(t, d.Apply(title, "a", "o"))
	cancel()
	cancel()
	require.NoError(t, d.Apply(title, "ab", "o"))

	require.Equal(t, 1, calls)
}

func TestObserve_HandlerMayWrite(t *testing.T) {
	d := NewDoc(replica.New())
	var seen []string
	d.Observe(title, func(e TextEvent) {
		seen = append(seen, e.Text)
		if e.Origin == "user" {
			require.NoError(t, d.Apply(title, strings.ToUpper(e.Text), "normalizer"))
		}
	})

	require.NoError(t, d.Apply(title, "abc", "user"))
	require.Equal(t, []string{"abc", "ABC"}, seen)
	require.Equal(t, "ABC", d.Text(title))
}

func TestTransact_OneEventPerField(t *testing.T) {
	d := NewDoc(replica.New())
	updates := recorder(d)
	events := 0
	d.Observe(title, func(TextEvent) { events++ })

	err := d.Transact("o", func(tx *Tx) error {
		if err := tx.Insert(title, 0, "abc"); err != nil {
			return err
		}
		if err := tx.Insert(title, 3, "def"); err != nil {
			return err
		}
		return tx.Delete(title, 0, 1)
	})
	require.NoError(t, err)
	require.Equal(t, "bcdef", d.Text(title))
	require.Equal(t, 1, events)
	require.Len(t, *updates, 1)
}

func TestTransact_InvalidPositions(t *testing.T) {
	d := NewDoc(replica.New())
	require.NoError(t, d.Apply(title, "abc", "o"))

	tests := []struct {
		name string
		fn   func(tx *Tx) error
	}{
		{"insert past end", func(tx *Tx) error { return tx.Insert(title, 4, "x") }},
		{"insert negative", func(tx *Tx) error { return tx.Insert(title, -1, "x") }},
		{"delete past end", func(tx *Tx) error { return tx.Delete(title, 2, 2) }},
		{"empty field", func(tx *Tx) error { return tx.Insert("", 0, "x") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Transact("o", tt.fn)
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "err = %v", err)
			require.Equal(t, "abc", d.Text(title))
		})
	}
}

func TestTransact_UnicodePositions(t *testing.T) {
	d := NewDoc(replica.New())
	require.NoError(t, d.Apply(title, "héllo", "o"))
	require.NoError(t, d.Transact("o", func(tx *Tx) error { return tx.Insert(title, 2, "✓") }))
	require.Equal(t, "hé✓llo", d.Text(title))
}

func TestEncodeDiff_CatchUp(t *testing.T) {
	a := NewDoc(replica.New())
	b := NewDoc(replica.New())
	ua := recorder(a)

	require.NoError(t, a.Apply(title, "first", "a"))
	applyAll(t, b, *ua...)

	require.NoError(t, a.Apply(title, "first second", "a"))
	require.NoError(t, a.Apply("project_description", "notes", "a"))
	require.NoError(t, a.Transact("a", func(tx *Tx) error { return tx.Delete(title, 0, 1) }))

	diff := a.EncodeDiff(b.StateVector())
	var origins []Origin
	b.Observe(title, func(e TextEvent) { origins = append(origins, e.Origin) })
	applyAll(t, b, diff)

	require.Equal(t, "irst second", b.Text(title))
	require.Equal(t, "notes", b.Text("project_description"))
	require.Equal(t, []Origin{SyncOrigin}, origins)
	require.Equal(t, a.StateVector(), b.StateVector())
}

func TestEncodeDiff_EmptyPeerGetsEverything(t *testing.T) {
	a := NewDoc(replica.New())
	require.NoError(t, a.Apply(title, "abc", "a"))
	require.NoError(t, a.Apply(title, "xbcy", "a"))

	fresh := NewDoc(replica.New())
	applyAll(t, fresh, a.EncodeDiff(StateVector{}))
	require.Equal(t, "xbcy", fresh.Text(title))
}

func TestStateVector_RoundTrip(t *testing.T) {
	sv := StateVector{replica.New(): 4, replica.New(): 9}
	decoded, err := DecodeStateVector(EncodeStateVector(sv))
	require.NoError(t, err)
	require.Equal(t, sv, decoded)
}

func TestApplyUpdate_Malformed(t *testing.T) {
	d := NewDoc(replica.New())
	require.NoError(t, d.Apply(title, "keep", "o"))

	err := d.ApplyUpdate([]byte{0x12, 0xff})
	require.True(t, errors.Is(err, errors.ErrMalformedDelta), "err = %v", err)
	require.Equal(t, "keep", d.Text(title))
}
