package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/fieldsync/internal/errors"
)

func startRedisBus(t *testing.T, mr *miniredis.Miniredis) *RedisBus {
	t.Helper()
	bus, err := NewRedisBus(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	bus := startRedisBus(t, miniredis.RunT(t))
	ctx := context.Background()

	frames := make(chan []byte, 4)
	cancel, err := bus.Subscribe(ctx, doc, func(frame []byte) { frames <- frame })
	require.NoError(t, err)

	other := make(chan []byte, 4)
	cancelOther, err := bus.Subscribe(ctx, "doc-2", func(frame []byte) { other <- frame })
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, bus.Publish(ctx, doc, []byte{0x0a, 0x00, 0xff}))
	select {
	case got := <-frames:
		require.Equal(t, []byte{0x0a, 0x00, 0xff}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	cancel()
	cancel()
	require.NoError(t, bus.Publish(ctx, doc, []byte("after cancel")))
	select {
	case got := <-frames:
		t.Fatalf("unexpected frame after cancel: %q", got)
	case got := <-other:
		t.Fatalf("frame for %s delivered to doc-2: %q", doc, got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewRedisBus_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisBus(ctx, "127.0.0.1:1")
	require.True(t, errors.Is(err, errors.ErrTransportUnavailable), "err = %v", err)
}

func TestRelay_RedisBusBridgesInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	_, d1 := startRelay(t, WithBus(startRedisBus(t, mr)))
	relay2, d2 := startRelay(t, WithBus(startRedisBus(t, mr)))

	a := dial(t, d1)
	b := dial(t, d2)

	_, payload := localUpdate(t, "project_title", "over redis")
	require.NoError(t, a.Send(Message{Kind: KindUpdate, Payload: payload}))
	msg := recv(t, b, KindUpdate)
	require.Equal(t, a.ID(), msg.From)

	require.Eventually(t, func() bool {
		st, ok := relay2.Room(doc)
		return ok && len(st.Fields) == 1 && st.Fields[0].Text == "over redis"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	left := recv(t, b, KindPeerLeft)
	require.Equal(t, a.ID(), left.From)
}

// stallingBus holds Subscribe for one document until released.
type stallingBus struct {
	*MemoryBus
	document string
	entered  chan struct{}
	release  chan struct{}
}

func (b *stallingBus) Subscribe(ctx context.Context, document string, fn func([]byte)) (func(), error) {
	if document == b.document {
		close(b.entered)
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.MemoryBus.Subscribe(ctx, document, fn)
}

func TestRelay_SlowBusSubscribeDoesNotStallOtherRooms(t *testing.T) {
	bus := &stallingBus{
		MemoryBus: NewMemoryBus(),
		document:  "slow-doc",
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	relay, dialer := startRelay(t, WithBus(bus))

	type result struct {
		conn Conn
		err  error
	}
	slow := make(chan result, 1)
	go func() {
		c, err := dialer.Connect(context.Background(), "slow-doc")
		slow <- result{c, err}
	}()

	select {
	case <-bus.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("bus subscribe never started")
	}

	// while the bus is stuck, other documents still open and report status
	start := time.Now()
	dial(t, dialer)
	require.Len(t, relay.Rooms(), 1)
	require.Less(t, time.Since(start), 2*time.Second)
	_, ok := relay.Room("slow-doc")
	require.False(t, ok)

	close(bus.release)
	var res result
	select {
	case res = <-slow:
	case <-time.After(3 * time.Second):
		t.Fatal("slow join never completed")
	}
	require.NoError(t, res.err)
	t.Cleanup(func() { res.conn.Close() })

	_, ok = relay.Room("slow-doc")
	require.True(t, ok)
}
