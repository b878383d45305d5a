package transport

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/hpungsan/fieldsync/internal/errors"
)

// Bus fans frames out between relay instances serving the same document.
// Publishers receive their own frames back; relays filter them by instance.
type Bus interface {
	Publish(ctx context.Context, document string, frame []byte) error
	Subscribe(ctx context.Context, document string, fn func(frame []byte)) (cancel func(), err error)
}

// MemoryBus is a Bus for relays living in one process.
type MemoryBus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func([]byte)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]func([]byte))}
}

// Publish calls every subscriber of document synchronously.
func (b *MemoryBus) Publish(ctx context.Context, document string, frame []byte) error {
	b.mu.Lock()
	fns := make([]func([]byte), 0, len(b.subs[document]))
	for _, fn := range b.subs[document] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(frame)
	}
	return nil
}

// Subscribe registers fn for frames published on document.
func (b *MemoryBus) Subscribe(ctx context.Context, document string, fn func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[document] == nil {
		b.subs[document] = make(map[int]func([]byte))
	}
	b.subs[document][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[document], id)
		if len(b.subs[document]) == 0 {
			delete(b.subs, document)
		}
	}, nil
}

// RedisBus is a Bus over Redis pub/sub, one channel per document.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus connects to the Redis server at addr and verifies it answers.
func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewTransportUnavailable(err)
	}
	glog.Infof("[bus]connected to redis at %s\n", addr)
	return &RedisBus{client: client, prefix: "fieldsync:doc:"}, nil
}

func (b *RedisBus) channel(document string) string {
	return b.prefix + document
}

// Publish sends frame to every relay subscribed to document.
func (b *RedisBus) Publish(ctx context.Context, document string, frame []byte) error {
	if err := b.client.Publish(ctx, b.channel(document), frame).Err(); err != nil {
		return errors.NewTransportUnavailable(err)
	}
	return nil
}

// Subscribe delivers frames published on document to fn from a dedicated
// goroutine until cancel is called.
func (b *RedisBus) Subscribe(ctx context.Context, document string, fn func([]byte)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(document))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.NewTransportUnavailable(err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { pubsub.Close() })
	}, nil
}

// Close releases the Redis connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
