package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/hpungsan/fieldsync/internal/awareness"
	"github.com/hpungsan/fieldsync/internal/crdt"
	"github.com/hpungsan/fieldsync/internal/replica"
	"github.com/hpungsan/fieldsync/internal/wire"
)

// Relay is a WebSocket server forwarding messages between the replicas of
// each document. It keeps an in-memory replica and awareness registry per
// room, so a newcomer catches up even when no other replica answers its sync
// request. Rooms are dropped when their last local replica leaves.
type Relay struct {
	id       replica.ID
	bus      Bus
	timeout  time.Duration
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// busSubscribeTimeout bounds how long opening a room waits for the bus.
const busSubscribeTimeout = 5 * time.Second

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithBus connects the relay to other relay instances through b.
func WithBus(b Bus) RelayOption {
	return func(r *Relay) {
		r.bus = b
	}
}

// WithAwarenessTimeout sets how long presence records survive without renewal.
func WithAwarenessTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

type room struct {
	document    string
	doc         *crdt.Doc
	presence    *awareness.Registry
	peers       map[replica.ID]*peer
	unsubscribe func()
}

type peer struct {
	id  replica.ID
	ws  *websocket.Conn
	out *mailbox
}

// NewRelay creates a relay. Call Close to disconnect every replica.
func NewRelay(opts ...RelayOption) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		id:      replica.New(),
		timeout: awareness.DefaultTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.prune()
	return r
}

// ID returns the relay's instance identity.
func (r *Relay) ID() replica.ID {
	return r.id
}

// ServeHTTP upgrades the request and joins the document named by the doc
// query parameter.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	document := req.URL.Query().Get("doc")
	if document == "" {
		http.Error(w, "missing doc parameter", http.StatusBadRequest)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.Warningf("[relay]upgrade error = %s\n", err)
		return
	}

	p := &peer{id: replica.New(), ws: ws, out: newMailbox()}
	rm, ok := r.join(document, p)
	if !ok {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"))
		ws.Close()
		return
	}
	go r.writePump(p)
	go r.readPump(rm, p)
}

// join adds p to the room of document, opening the room if needed. The bus
// subscription of a new room is made without holding r.mu.
func (r *Relay) join(document string, p *peer) (*room, bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false
	}
	rm, ok := r.rooms[document]
	if ok {
		r.addPeer(rm, p)
		r.mu.Unlock()
		return rm, true
	}
	r.mu.Unlock()

	unsubscribe := r.subscribe(document)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return nil, false
	}
	rm, ok = r.rooms[document]
	if ok {
		// another join opened the room while we subscribed
		r.addPeer(rm, p)
		r.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return rm, true
	}
	rm = &room{
		document:    document,
		doc:         crdt.NewDoc(r.id),
		presence:    awareness.NewRegistry(r.id, awareness.WithTimeout(r.timeout)),
		peers:       make(map[replica.ID]*peer),
		unsubscribe: unsubscribe,
	}
	r.rooms[document] = rm
	glog.Infof("[relay]open room %s\n", document)
	r.addPeer(rm, p)
	r.mu.Unlock()
	return rm, true
}

// subscribe attaches document to the bus. It returns nil when there is no
// bus or the bus did not answer within busSubscribeTimeout.
func (r *Relay) subscribe(document string) func() {
	if r.bus == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.ctx, busSubscribeTimeout)
	defer cancel()
	unsubscribe, err := r.bus.Subscribe(ctx, document, func(frame []byte) {
		r.fromBus(document, frame)
	})
	if err != nil {
		glog.Warningf("[relay]bus subscribe %s error = %s\n", document, err)
		return nil
	}
	return unsubscribe
}

// addPeer must be called with r.mu held.
func (r *Relay) addPeer(rm *room, p *peer) {
	// the welcome must be the first frame the peer sees
	p.out.push(Message{Kind: KindWelcome, From: p.id})
	rm.peers[p.id] = p
	glog.Infof("[relay]%s joined %s (%d peers)\n", p.id, rm.document, len(rm.peers))
}

func (r *Relay) leave(rm *room, p *peer) {
	r.mu.Lock()
	if _, ok := rm.peers[p.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(rm.peers, p.id)
	empty := len(rm.peers) == 0
	if empty && r.rooms[rm.document] == rm {
		delete(r.rooms, rm.document)
	}
	r.mu.Unlock()

	glog.Infof("[relay]%s left %s\n", p.id, rm.document)
	rm.presence.Remove(p.id)
	msg := Message{Kind: KindPeerLeft, From: p.id}
	r.deliver(rm, msg)
	r.publish(rm.document, msg)

	if empty {
		if rm.unsubscribe != nil {
			rm.unsubscribe()
		}
		glog.Infof("[relay]close room %s\n", rm.document)
	}
}

// handle processes one message from a local peer.
func (r *Relay) handle(rm *room, p *peer, msg Message) {
	msg.From = p.id
	switch msg.Kind {
	case KindUpdate, KindSyncReply:
		if err := rm.doc.ApplyUpdate(msg.Payload); err != nil {
			glog.Warningf("[relay]%s<- drop %s: %s\n", p.id, msg.Kind, err)
			return
		}
	case KindAwareness:
		if _, err := rm.presence.ApplyUpdate(msg.Payload); err != nil {
			glog.Warningf("[relay]%s<- drop awareness: %s\n", p.id, err)
			return
		}
	case KindSyncRequest:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			glog.Warningf("[relay]%s<- drop sync request: %s\n", p.id, err)
			return
		}
		r.answer(rm, p, sv)
	default:
		glog.Warningf("[relay]%s<- unexpected %s\n", p.id, msg.Kind)
		return
	}
	r.deliver(rm, msg)
	r.publish(rm.document, msg)
}

// answer sends p the part of the room replica it lacks and the presence of
// everyone else in the room.
func (r *Relay) answer(rm *room, p *peer, sv crdt.StateVector) {
	p.out.push(Message{Kind: KindSyncReply, From: r.id, To: p.id, Payload: rm.doc.EncodeDiff(sv)})

	var others []replica.ID
	for _, id := range rm.presence.Clients() {
		if id != r.id && id != p.id {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		p.out.push(Message{Kind: KindAwareness, From: r.id, To: p.id, Payload: rm.presence.Encode(others...)})
	}
}

// deliver forwards msg to the local peers of rm.
func (r *Relay) deliver(rm *room, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.To != replica.None {
		if p, ok := rm.peers[msg.To]; ok {
			p.out.push(msg)
		}
		return
	}
	for id, p := range rm.peers {
		if id != msg.From {
			p.out.push(msg)
		}
	}
}

func (r *Relay) publish(document string, msg Message) {
	if r.bus == nil {
		return
	}
	var frame []byte
	frame = wire.AppendString(frame, 1, string(r.id))
	frame = wire.AppendMessage(frame, 2, Encode(msg))
	if err := r.bus.Publish(r.ctx, document, frame); err != nil {
		glog.Warningf("[relay]bus publish %s error = %s\n", document, err)
	}
}

// fromBus handles a frame published by any relay instance, this one included.
func (r *Relay) fromBus(document string, frame []byte) {
	var instance replica.ID
	var envelope []byte
	err := wire.Walk(frame, func(f wire.Field) error {
		switch f.Num {
		case 1:
			instance = replica.ID(f.String())
		case 2:
			envelope = f.Bytes
		}
		return nil
	})
	if err != nil {
		glog.Warningf("[relay]bus drop: %s\n", err)
		return
	}
	if instance == r.id {
		return
	}
	msg, err := Decode(envelope)
	if err != nil {
		glog.Warningf("[relay]bus drop: %s\n", err)
		return
	}

	r.mu.Lock()
	rm, ok := r.rooms[document]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch msg.Kind {
	case KindUpdate, KindSyncReply:
		err = rm.doc.ApplyUpdate(msg.Payload)
	case KindAwareness:
		_, err = rm.presence.ApplyUpdate(msg.Payload)
	case KindPeerLeft:
		rm.presence.Remove(msg.From)
	}
	if err != nil {
		glog.Warningf("[relay]bus drop %s: %s\n", msg.Kind, err)
		return
	}
	glog.V(2).Infof("[relay]bus %s<- %s from %s\n", document, msg.Kind, msg.From)
	r.deliver(rm, msg)
}

func (r *Relay) readPump(rm *room, p *peer) {
	defer func() {
		r.leave(rm, p)
		p.out.abort()
		p.ws.Close()
	}()
	p.ws.SetReadLimit(maxMessageSize)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		messageType, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("[relay]%s<- error = %s\n", p.id, err)
			}
			return
		}
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			// keep-alive
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			glog.Warningf("[relay]%s<- drop: %s\n", p.id, err)
			continue
		}
		glog.V(2).Infof("[relay]%s<- %s\n", p.id, msg.Kind)
		r.handle(rm, p, msg)
	}
}

func (r *Relay) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-p.out.out:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.ws.WriteMessage(websocket.BinaryMessage, Encode(msg)); err != nil {
				glog.Warningf("[relay]%s-> error = %s\n", p.id, err)
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// prune expires presence records of replicas that stopped renewing.
func (r *Relay) prune() {
	ticker := time.NewTicker(r.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.mu.Lock()
			rooms := make([]*room, 0, len(r.rooms))
			for _, rm := range r.rooms {
				rooms = append(rooms, rm)
			}
			r.mu.Unlock()
			for _, rm := range rooms {
				rm.presence.Tick(now)
			}
		}
	}
}

// Close disconnects every replica and stops accepting new ones.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var peers []*peer
	for _, rm := range r.rooms {
		for _, p := range rm.peers {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"),
			time.Now().Add(writeWait))
		p.ws.Close()
	}
	r.cancel()
	return nil
}

// Presence is one replica's awareness record as held by the relay.
type Presence struct {
	ID    replica.ID      `json:"id"`
	State awareness.State `json:"state"`
}

// FieldStatus is the content of one field in a room replica.
type FieldStatus struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// RoomStatus is a snapshot of one room.
type RoomStatus struct {
	Document string        `json:"document"`
	Peers    int           `json:"peers"`
	Fields   []FieldStatus `json:"fields"`
	Users    []Presence    `json:"users"`
	Pending  int           `json:"pending"`
}

// Rooms returns a snapshot of every open room, sorted by document.
func (r *Relay) Rooms() []RoomStatus {
	r.mu.Lock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]RoomStatus, 0, len(names))
	for _, name := range names {
		if st, ok := r.Room(name); ok {
			out = append(out, st)
		}
	}
	return out
}

// Room returns a snapshot of the room serving document.
func (r *Relay) Room(document string) (RoomStatus, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[document]
	peers := 0
	if ok {
		peers = len(rm.peers)
	}
	r.mu.Unlock()
	if !ok {
		return RoomStatus{}, false
	}

	st := RoomStatus{Document: document, Peers: peers, Pending: rm.doc.Pending()}
	for _, name := range rm.doc.Fields() {
		st.Fields = append(st.Fields, FieldStatus{Name: name, Text: rm.doc.Text(name)})
	}
	states := rm.presence.All()
	for _, id := range rm.presence.Clients() {
		if id == r.id {
			continue
		}
		if s, ok := states[id]; ok {
			st.Users = append(st.Users, Presence{ID: id, State: s})
		}
	}
	return st, true
}
