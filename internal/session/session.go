// Package session binds one replica of a document to a transport connection.
//
// A Session owns the text store, the awareness registry and the lock
// coordinator of one connection and exposes the operations an editing
// surface needs: read and write fields, observe text and lock changes, focus,
// blur and steal fields, and list the active users.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/hpungsan/fieldsync/internal/awareness"
	"github.com/hpungsan/fieldsync/internal/crdt"
	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/lock"
	"github.com/hpungsan/fieldsync/internal/replica"
	"github.com/hpungsan/fieldsync/internal/transport"
)

// Option configures a Session.
type Option func(*options)

type options struct {
	fields           []string
	autoYield        bool
	awarenessTimeout time.Duration
}

// WithFields restricts the session to the named fields. Without it any
// non-empty field name is accepted.
func WithFields(fields ...string) Option {
	return func(o *options) {
		o.fields = append(o.fields, fields...)
	}
}

// WithAutoYield makes the session drop its focus as soon as another replica
// takes over the focused field.
func WithAutoYield() Option {
	return func(o *options) {
		o.autoYield = true
	}
}

// WithAwarenessTimeout sets the liveness timeout of presence records.
func WithAwarenessTimeout(d time.Duration) Option {
	return func(o *options) {
		o.awarenessTimeout = d
	}
}

// Participant is one active user of the document.
type Participant struct {
	ID           replica.ID     `json:"id"`
	User         awareness.User `json:"user"`
	FocusedField string         `json:"focused_field,omitempty"`
	Self         bool           `json:"self,omitempty"`
}

// Session is one replica's connection to a shared document.
type Session struct {
	document string
	user     awareness.User
	conn     transport.Conn
	origin   crdt.Origin

	doc      *crdt.Doc
	presence *awareness.Registry
	locks    *lock.Coordinator

	fields  []string
	allowed map[string]bool

	cancel    context.CancelFunc
	detach    []func()
	done      chan struct{}
	handling  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open connects to document through t as user and starts synchronizing.
func Open(ctx context.Context, t transport.Transport, document string, user awareness.User, opts ...Option) (*Session, error) {
	if user.Name == "" {
		return nil, errors.NewInvalidRequest("a user must be chosen before editing")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := t.Connect(ctx, document)
	if err != nil {
		return nil, err
	}

	s := &Session{
		document: document,
		user:     user,
		conn:     conn,
		// the connection ID is stable for the lifetime of the connection
		origin:  crdt.Origin(conn.ID()),
		doc:     crdt.NewDoc(conn.ID()),
		fields:  o.fields,
		allowed: make(map[string]bool, len(o.fields)),
		done:    make(chan struct{}),
	}
	for _, f := range o.fields {
		s.allowed[f] = true
	}
	s.presence = awareness.NewRegistry(conn.ID(), awareness.WithTimeout(o.awarenessTimeout))
	s.locks = lock.New(s.presence)

	s.detach = append(s.detach,
		s.doc.OnUpdate(func(e crdt.UpdateEvent) {
			if !e.Remote {
				s.send(transport.KindUpdate, replica.None, e.Payload)
			}
		}),
		s.presence.OnUpdate(func(u awareness.Update) {
			s.send(transport.KindAwareness, replica.None, u.Payload)
		}),
	)
	if o.autoYield {
		s.detach = append(s.detach, s.presence.Subscribe(func(awareness.Change) { s.yield() }))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.presence.SetLocal(awareness.Patch{User: &user})
	s.send(transport.KindSyncRequest, replica.None, crdt.EncodeStateVector(s.doc.StateVector()))

	go s.receive()
	go s.presence.Run(runCtx, s.presence.Timeout()/4)

	glog.Infof("[session]%s opened %s as %s\n", s.ID(), document, user.Name)
	return s, nil
}

func (s *Session) send(kind transport.Kind, to replica.ID, payload []byte) {
	if err := s.conn.Send(transport.Message{Kind: kind, To: to, Payload: payload}); err != nil {
		if !s.closed.Load() {
			glog.Warningf("[session]%s-> %s error = %s\n", s.ID(), kind, err)
		}
	}
}

func (s *Session) receive() {
	defer close(s.done)
	for msg := range s.conn.Receive() {
		s.handling.Store(true)
		s.handle(msg)
		s.handling.Store(false)
	}
	if !s.closed.Load() {
		glog.Warningf("[session]%s connection to %s lost\n", s.ID(), s.document)
	}
}

func (s *Session) handle(msg transport.Message) {
	glog.V(2).Infof("[session]%s<- %s from %s\n", s.ID(), msg.Kind, msg.From)
	switch msg.Kind {
	case transport.KindUpdate, transport.KindSyncReply:
		if err := s.doc.ApplyUpdate(msg.Payload); err != nil {
			glog.Warningf("[session]%s<- drop %s from %s: %s\n", s.ID(), msg.Kind, msg.From, err)
		}
	case transport.KindSyncRequest:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			glog.Warningf("[session]%s<- drop sync request from %s: %s\n", s.ID(), msg.From, err)
			return
		}
		s.send(transport.KindSyncReply, msg.From, s.doc.EncodeDiff(sv))
	case transport.KindAwareness:
		added, err := s.presence.ApplyUpdate(msg.Payload)
		if err != nil {
			glog.Warningf("[session]%s<- drop awareness from %s: %s\n", s.ID(), msg.From, err)
			return
		}
		if len(added) > 0 {
			// newcomers learn about us from our next broadcast
			s.presence.Announce()
		}
	case transport.KindPeerLeft:
		s.presence.Remove(msg.From)
	}
}

// yield releases the local focus when the focused field is held by someone else.
func (s *Session) yield() {
	field := s.presence.Local().FocusedField
	if field == "" {
		return
	}
	if v := s.locks.View(field); v.Locked {
		glog.Infof("[session]%s yields %s to %s\n", s.ID(), field, v.User.Name)
		s.locks.Release(field)
	}
}

func (s *Session) check(field string) error {
	if s.closed.Load() {
		return errors.NewSessionClosed()
	}
	if field == "" {
		return errors.NewInvalidRequest("field must not be empty")
	}
	if len(s.allowed) > 0 && !s.allowed[field] {
		return errors.NewUnknownField(field)
	}
	return nil
}

// ID returns the replica identity of this session.
func (s *Session) ID() replica.ID {
	return s.conn.ID()
}

// Origin returns the origin tag of this session's local transactions.
func (s *Session) Origin() crdt.Origin {
	return s.origin
}

// Document returns the document name.
func (s *Session) Document() string {
	return s.document
}

// User returns the user chosen for this session.
func (s *Session) User() awareness.User {
	return s.user
}

// Fields returns the configured fields, or every field the document has
// content for when the session is unrestricted.
func (s *Session) Fields() []string {
	if len(s.fields) > 0 {
		return append([]string(nil), s.fields...)
	}
	return s.doc.Fields()
}

// Read returns the current text of field.
func (s *Session) Read(field string) (string, error) {
	if err := s.check(field); err != nil {
		return "", err
	}
	return s.doc.Text(field), nil
}

// Write replaces the text of field with value.
func (s *Session) Write(field, value string) error {
	if err := s.check(field); err != nil {
		return err
	}
	return s.doc.Apply(field, value, s.origin)
}

// Insert inserts text at rune position pos of field.
func (s *Session) Insert(field string, pos int, text string) error {
	if err := s.check(field); err != nil {
		return err
	}
	return s.doc.Transact(s.origin, func(tx *crdt.Tx) error {
		return tx.Insert(field, pos, text)
	})
}

// Delete removes n runes at rune position pos of field.
func (s *Session) Delete(field string, pos, n int) error {
	if err := s.check(field); err != nil {
		return err
	}
	return s.doc.Transact(s.origin, func(tx *crdt.Tx) error {
		return tx.Delete(field, pos, n)
	})
}

// ObserveText registers fn for every change of field, local or remote.
// Compare the event origin with Origin to skip this session's own writes.
func (s *Session) ObserveText(field string, fn func(crdt.TextEvent)) (cancel func(), err error) {
	if err := s.check(field); err != nil {
		return nil, err
	}
	return s.doc.Observe(field, fn), nil
}

// ObserveLock registers fn for lock transitions of field.
func (s *Session) ObserveLock(field string, fn func(lock.View)) (cancel func(), err error) {
	if err := s.check(field); err != nil {
		return nil, err
	}
	return s.locks.Subscribe(field, fn), nil
}

// LockView returns the current lock state of field.
func (s *Session) LockView(field string) (lock.View, error) {
	if err := s.check(field); err != nil {
		return lock.View{}, err
	}
	return s.locks.View(field), nil
}

// Focus claims field. It fails with FIELD_LOCKED when another replica holds it.
func (s *Session) Focus(field string) error {
	if err := s.check(field); err != nil {
		return err
	}
	return s.locks.Acquire(field)
}

// Blur gives up field if it is still the focused one.
func (s *Session) Blur(field string) error {
	if err := s.check(field); err != nil {
		return err
	}
	s.locks.Release(field)
	return nil
}

// Steal takes field over from whoever holds it.
func (s *Session) Steal(field string) error {
	if err := s.check(field); err != nil {
		return err
	}
	return s.locks.Steal(field)
}

// ActiveUsers returns every replica that announced a user, this one included,
// sorted by connection order.
func (s *Session) ActiveUsers() []Participant {
	states := s.presence.All()
	ids := make([]replica.ID, 0, len(states))
	for id, st := range states {
		if st.User.Name != "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Participant, 0, len(ids))
	for _, id := range ids {
		st := states[id]
		out = append(out, Participant{
			ID:           id,
			User:         st.User,
			FocusedField: st.FocusedField,
			Self:         id == s.ID(),
		})
	}
	return out
}

// Close announces departure, detaches every observer of the session and
// closes the connection. It is safe to call more than once, including from
// an observer: remote events are delivered on the receive loop, so Close does
// not wait for that loop while a message is being handled.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.presence.Leave()
		s.closed.Store(true)
		s.cancel()
		for _, detach := range s.detach {
			detach()
		}
		s.locks.Close()
		err = s.conn.Close()
		if !s.handling.Load() {
			<-s.done
		}
		glog.Infof("[session]%s closed\n", s.ID())
	})
	return err
}
