// Package transport moves deltas between the replicas of a document.
//
// A Transport hands out one Conn per replica and assigns its identity. Every
// message carries the sender's replica ID; a message with a To address is
// delivered to that replica only, everything else goes to all other replicas
// of the same document. When a replica disconnects the others receive a
// peer_left message in its name.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/replica"
	"github.com/hpungsan/fieldsync/internal/wire"
)

// Kind is the type of a transport message.
type Kind string

const (
	KindUpdate      Kind = "update"       // text delta
	KindSyncRequest Kind = "sync_request" // payload is the sender's state vector
	KindSyncReply   Kind = "sync_reply"   // payload is a catch-up delta
	KindAwareness   Kind = "awareness"    // awareness delta
	KindPeerLeft    Kind = "peer_left"    // From is the replica that left
	KindWelcome     Kind = "welcome"      // From is the identity assigned to the receiver
)

// Message is one unit of transport traffic.
type Message struct {
	Kind    Kind
	From    replica.ID
	To      replica.ID
	Payload []byte
}

// Transport connects replicas of a document.
type Transport interface {
	Connect(ctx context.Context, document string) (Conn, error)
}

// Conn is one replica's connection to a document.
type Conn interface {
	// ID returns the identity the transport assigned to this connection.
	ID() replica.ID
	// Send queues msg for delivery without waiting for the network. The From
	// field is overwritten with the connection's ID.
	Send(msg Message) error
	// Receive returns the channel of incoming messages. It is closed when the
	// connection ends.
	Receive() <-chan Message
	Close() error
}

var errClosed = fmt.Errorf("connection closed")

// Encode serializes msg into its envelope.
func Encode(msg Message) []byte {
	var b []byte
	b = wire.AppendString(b, 1, string(msg.Kind))
	b = wire.AppendString(b, 2, string(msg.From))
	if len(msg.Payload) > 0 {
		b = wire.AppendMessage(b, 3, msg.Payload)
	}
	b = wire.AppendString(b, 4, string(msg.To))
	return b
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	var msg Message
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			msg.Kind = Kind(f.String())
		case 2:
			msg.From = replica.ID(f.String())
		case 3:
			msg.Payload = f.Bytes
		case 4:
			msg.To = replica.ID(f.String())
		}
		return nil
	})
	if err == nil && msg.Kind == "" {
		err = fmt.Errorf("envelope without kind")
	}
	if err != nil {
		return Message{}, errors.NewMalformedDelta("envelope", err)
	}
	return msg, nil
}

// mailbox is an unbounded FIFO feeding a channel, so producers never block
// on a slow consumer.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	closed bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan Message
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan Message),
	}
	go m.run()
	return m
}

// push queues msg. It reports false once the mailbox is closed.
func (m *mailbox) push(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.mu.Unlock()
			select {
			case <-m.wake:
			case <-m.stop:
				return
			}
			m.mu.Lock()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		msg := m.queue[0]
		m.queue[0] = Message{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- msg:
		case <-m.stop:
			return
		}
	}
}

// close stops accepting messages; queued ones are still delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// abort closes the mailbox and drops whatever is still queued.
func (m *mailbox) abort() {
	m.close()
	m.stopOnce.Do(func() { close(m.stop) })
}
