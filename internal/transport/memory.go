package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/replica"
)

// Hub is an in-process transport. Each connection has its own mailbox, so
// delivery is asynchronous and ordered per sender and receiver pair.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[replica.ID]*memoryConn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[replica.ID]*memoryConn)}
}

// Connect joins document and assigns a fresh replica ID.
func (h *Hub) Connect(ctx context.Context, document string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTransportUnavailable(err)
	}
	if document == "" {
		return nil, errors.NewInvalidRequest("document must not be empty")
	}
	c := &memoryConn{
		hub:      h,
		document: document,
		id:       replica.New(),
		inbox:    newMailbox(),
	}

	h.mu.Lock()
	room, ok := h.rooms[document]
	if !ok {
		room = make(map[replica.ID]*memoryConn)
		h.rooms[document] = room
	}
	room[c.id] = c
	h.mu.Unlock()

	glog.V(1).Infof("[hub]%s joined %s\n", c.id, document)
	return c, nil
}

// Peers returns the connected replicas of document in sorted order.
func (h *Hub) Peers(document string) []replica.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]replica.ID, 0, len(h.rooms[document]))
	for id := range h.rooms[document] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// route delivers msg to its addressee, or to every replica but the sender.
// Callers hold h.mu.
func (h *Hub) route(document string, msg Message) {
	room := h.rooms[document]
	if msg.To != replica.None {
		if c, ok := room[msg.To]; ok {
			c.inbox.push(msg)
		}
		return
	}
	for id, c := range room {
		if id != msg.From {
			c.inbox.push(msg)
		}
	}
}

func (h *Hub) leave(c *memoryConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.document]
	if _, ok := room[c.id]; !ok {
		return
	}
	delete(room, c.id)
	if len(room) == 0 {
		delete(h.rooms, c.document)
		return
	}
	h.route(c.document, Message{Kind: KindPeerLeft, From: c.id})
}

type memoryConn struct {
	hub      *Hub
	document string
	id       replica.ID
	inbox    *mailbox
	closed   atomic.Bool
}

func (c *memoryConn) ID() replica.ID {
	return c.id
}

func (c *memoryConn) Send(msg Message) error {
	if c.closed.Load() {
		return errors.NewTransportUnavailable(errClosed)
	}
	msg.From = c.id
	c.hub.mu.Lock()
	c.hub.route(c.document, msg)
	c.hub.mu.Unlock()
	return nil
}

func (c *memoryConn) Receive() <-chan Message {
	return c.inbox.out
}

func (c *memoryConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.hub.leave(c)
	c.inbox.abort()
	glog.V(1).Infof("[hub]%s left %s\n", c.id, c.document)
	return nil
}
