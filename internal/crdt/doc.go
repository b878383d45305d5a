package crdt

import (
	"sort"
	"sync"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/notify"
	"github.com/hpungsan/fieldsync/internal/replica"
)

// TextEvent reports the new content of a field after a transaction, local or
// remote, together with the origin of that transaction.
type TextEvent struct {
	Field  string
	Text   string
	Origin Origin
}

// UpdateEvent carries the encoded delta of one applied transaction.
type UpdateEvent struct {
	Payload []byte
	Origin  Origin
	Remote  bool
}

// pendingInsert is a single rune whose origin or predecessor has not arrived yet.
type pendingInsert struct {
	it *item
}

// Doc is one replica of a shared document holding a text sequence per field.
type Doc struct {
	id replica.ID

	mu             sync.Mutex
	clock          uint64
	fields         map[string]*sequence
	items          map[ID]*item
	sv             StateVector
	pending        []pendingInsert
	pendingDeletes map[ID]struct{}
	observers      map[string]*notify.List[TextEvent]

	updates  notify.List[UpdateEvent]
	dispatch notify.Dispatcher
}

// NewDoc creates an empty document replica owned by id.
func NewDoc(id replica.ID) *Doc {
	return &Doc{
		id:             id,
		fields:         make(map[string]*sequence),
		items:          make(map[ID]*item),
		sv:             StateVector{},
		pendingDeletes: make(map[ID]struct{}),
		observers:      make(map[string]*notify.List[TextEvent]),
	}
}

// ID returns the replica that owns this document copy.
func (d *Doc) ID() replica.ID {
	return d.id
}

// Text returns the current content of field. Unknown fields read as empty.
func (d *Doc) Text(field string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.fields[field]; ok {
		return s.String()
	}
	return ""
}

// Fields returns the names of fields that have content or tombstones.
func (d *Doc) Fields() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.fields))
	for name := range d.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateVector returns a copy of the document's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// Pending returns the number of buffered operations waiting for missing
// predecessors.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) + len(d.pendingDeletes)
}

// Observe registers fn for every change of field. The returned cancel is
// idempotent and safe to call during teardown.
func (d *Doc) Observe(field string, fn func(TextEvent)) (cancel func()) {
	d.mu.Lock()
	l, ok := d.observers[field]
	if !ok {
		l = &notify.List[TextEvent]{}
		d.observers[field] = l
	}
	d.mu.Unlock()
	return l.Subscribe(fn)
}

// OnUpdate registers fn for the encoded delta of every applied transaction.
func (d *Doc) OnUpdate(fn func(UpdateEvent)) (cancel func()) {
	return d.updates.Subscribe(fn)
}

// Apply replaces the content of field with value in one transaction tagged
// with origin.
func (d *Doc) Apply(field, value string, origin Origin) error {
	return d.Transact(origin, func(tx *Tx) error {
		return tx.Replace(field, value)
	})
}

// Transact runs fn as one atomic transaction tagged with origin. Observers
// see a single event per changed field and one update delta is emitted.
// Operations performed before fn returns an error stay committed. fn must not
// call methods of d.
func (d *Doc) Transact(origin Origin, fn func(tx *Tx) error) error {
	d.mu.Lock()
	tx := &Tx{doc: d, update: update{Origin: origin}, changed: make(map[string]bool)}
	err := fn(tx)
	d.commit(&tx.update, tx.changed)
	d.mu.Unlock()

	d.dispatch.Drain()
	return err
}

// ApplyUpdate merges a remote delta. Runes whose predecessors are missing are
// buffered until they arrive; already integrated operations are ignored.
func (d *Doc) ApplyUpdate(data []byte) error {
	u, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := make(map[string]bool)
	for _, op := range u.Inserts {
		for i, r := range []rune(op.Text) {
			d.pending = append(d.pending, pendingInsert{it: newItem(op.Field, op.Start, op.Clock, op.Origin, i, r)})
		}
	}
	for _, op := range u.Deletes {
		for i := uint64(0); i < op.Len; i++ {
			d.deleteRemote(ID{Replica: op.Start.Replica, Seq: op.Start.Seq + i}, changed)
		}
	}
	d.flushPending(changed)

	if len(changed) > 0 {
		d.enqueueText(changed, u.Origin)
		payload := append([]byte(nil), data...)
		d.updates.Emit(&d.dispatch, UpdateEvent{Payload: payload, Origin: u.Origin, Remote: true})
	}
	d.mu.Unlock()

	d.dispatch.Drain()
	return nil
}

// EncodeDiff returns an update holding everything d has that a replica with
// state vector sv lacks, plus the complete delete set.
func (d *Doc) EncodeDiff(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var missing []*item
	var deleted []*item
	for _, it := range d.items {
		if it.id.Seq >= sv[it.id.Replica] {
			missing = append(missing, it)
		}
		if it.deleted {
			deleted = append(deleted, it)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		a, b := missing[i], missing[j]
		if a.clock != b.clock {
			return a.clock < b.clock
		}
		if a.id.Replica != b.id.Replica {
			return a.id.Replica < b.id.Replica
		}
		return a.id.Seq < b.id.Seq
	})

	u := &update{Origin: SyncOrigin}
	for _, it := range missing {
		if n := len(u.Inserts); n > 0 && extendsRun(&u.Inserts[n-1], it) {
			u.Inserts[n-1].Text += string(it.value)
			continue
		}
		u.Inserts = append(u.Inserts, insertOp{
			Field:  it.field,
			Start:  it.id,
			Clock:  it.clock,
			Origin: it.origin,
			Text:   string(it.value),
		})
	}
	u.Deletes = deleteRanges(deleted)
	return encodeUpdate(u)
}

// extendsRun reports whether it continues the insert run op.
func extendsRun(op *insertOp, it *item) bool {
	n := uint64(len([]rune(op.Text)))
	last := ID{Replica: op.Start.Replica, Seq: op.Start.Seq + n - 1}
	return it.field == op.Field &&
		it.id.Replica == op.Start.Replica &&
		it.id.Seq == op.Start.Seq+n &&
		it.clock == op.Clock+n &&
		it.origin == last
}

// deleteRanges groups items into runs of consecutive sequence numbers.
func deleteRanges(items []*item) []deleteOp {
	sort.Slice(items, func(i, j int) bool {
		if items[i].id.Replica != items[j].id.Replica {
			return items[i].id.Replica < items[j].id.Replica
		}
		return items[i].id.Seq < items[j].id.Seq
	})
	var ops []deleteOp
	for _, it := range items {
		if n := len(ops); n > 0 {
			last := &ops[n-1]
			if last.Start.Replica == it.id.Replica && last.Start.Seq+last.Len == it.id.Seq {
				last.Len++
				continue
			}
		}
		ops = append(ops, deleteOp{Start: it.id, Len: 1})
	}
	return ops
}

// flushPending integrates buffered runes until no more become ready.
func (d *Doc) flushPending(changed map[string]bool) {
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, p := range d.pending {
			switch d.readiness(p.it) {
			case ready:
				d.integrate(p.it, changed)
				progress = true
			case duplicate:
			default:
				rest = append(rest, p)
			}
		}
		for i := len(rest); i < len(d.pending); i++ {
			d.pending[i] = pendingInsert{}
		}
		d.pending = rest
	}
}

type readinessState int

const (
	waiting readinessState = iota
	ready
	duplicate
)

// readiness decides whether a remote rune can be integrated: runes of one
// replica are integrated in sequence order, and only after their origin.
func (d *Doc) readiness(it *item) readinessState {
	next := d.sv[it.id.Replica]
	switch {
	case it.id.Seq < next:
		return duplicate
	case it.id.Seq > next:
		return waiting
	}
	if it.origin.IsZero() {
		return ready
	}
	if _, ok := d.items[it.origin]; ok {
		return ready
	}
	return waiting
}

// integrate places a ready rune into its field. A rune whose origin lives in
// another field is dropped but still advances the state vector.
func (d *Doc) integrate(it *item, changed map[string]bool) {
	d.sv[it.id.Replica] = it.id.Seq + 1
	if it.clock > d.clock {
		d.clock = it.clock
	}
	if !it.origin.IsZero() && d.items[it.origin].field != it.field {
		return
	}
	if !d.sequence(it.field).integrate(it) {
		return
	}
	d.items[it.id] = it
	if _, ok := d.pendingDeletes[it.id]; ok {
		delete(d.pendingDeletes, it.id)
		it.deleted = true
	}
	changed[it.field] = true
}

func (d *Doc) deleteRemote(id ID, changed map[string]bool) {
	it, ok := d.items[id]
	if !ok {
		d.pendingDeletes[id] = struct{}{}
		return
	}
	if !it.deleted {
		it.deleted = true
		changed[it.field] = true
	}
}

func (d *Doc) sequence(field string) *sequence {
	s, ok := d.fields[field]
	if !ok {
		s = &sequence{}
		d.fields[field] = s
	}
	return s
}

// commit enqueues the events of a local transaction. Callers hold d.mu.
func (d *Doc) commit(u *update, changed map[string]bool) {
	if u.empty() {
		return
	}
	d.enqueueText(changed, u.Origin)
	d.updates.Emit(&d.dispatch, UpdateEvent{Payload: encodeUpdate(u), Origin: u.Origin})
}

func (d *Doc) enqueueText(changed map[string]bool, origin Origin) {
	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l, ok := d.observers[name]
		if !ok {
			continue
		}
		l.Emit(&d.dispatch, TextEvent{Field: name, Text: d.fields[name].String(), Origin: origin})
	}
}

// Tx is an open transaction. Positions count runes.
type Tx struct {
	doc     *Doc
	update  update
	changed map[string]bool
}

// Text returns the content of field as seen inside the transaction.
func (tx *Tx) Text(field string) string {
	if s, ok := tx.doc.fields[field]; ok {
		return s.String()
	}
	return ""
}

// Insert inserts text at rune position pos of field. Invalid UTF-8 bytes are
// stored as U+FFFD, the same runes every peer decodes.
func (tx *Tx) Insert(field string, pos int, text string) error {
	if field == "" {
		return errors.NewInvalidRequest("field must not be empty")
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	d := tx.doc
	s := d.sequence(field)
	if pos < 0 || pos > s.len() {
		return errors.NewInvalidRequest("insert position out of range")
	}

	var origin ID
	if pos > 0 {
		origin = s.visible(pos - 1).id
	}
	start := ID{Replica: d.id, Seq: d.sv[d.id]}
	clock := d.clock + 1
	for i, r := range runes {
		it := newItem(field, start, clock, origin, i, r)
		s.integrate(it)
		d.items[it.id] = it
	}
	d.sv[d.id] = start.Seq + uint64(len(runes))
	d.clock = clock + uint64(len(runes)) - 1

	tx.update.Inserts = append(tx.update.Inserts, insertOp{
		Field:  field,
		Start:  start,
		Clock:  clock,
		Origin: origin,
		Text:   string(runes),
	})
	tx.changed[field] = true
	return nil
}

// Delete removes n runes starting at rune position pos of field.
func (tx *Tx) Delete(field string, pos, n int) error {
	if field == "" {
		return errors.NewInvalidRequest("field must not be empty")
	}
	if n == 0 {
		return nil
	}
	s := tx.doc.sequence(field)
	live := s.live()
	if pos < 0 || n < 0 || pos+n > len(live) {
		return errors.NewInvalidRequest("delete range out of range")
	}
	removed := live[pos : pos+n]
	for _, it := range removed {
		it.deleted = true
	}
	tx.update.Deletes = append(tx.update.Deletes, deleteRanges(append([]*item(nil), removed...))...)
	tx.changed[field] = true
	return nil
}

// Replace makes the content of field equal value using a minimal edit: the
// common prefix and suffix are kept, so concurrent edits outside the changed
// span survive the merge.
func (tx *Tx) Replace(field, value string) error {
	cur := []rune(tx.Text(field))
	next := []rune(value)
	prefix, suffix := commonAffixes(cur, next)
	if err := tx.Delete(field, prefix, len(cur)-prefix-suffix); err != nil {
		return err
	}
	return tx.Insert(field, prefix, string(next[prefix:len(next)-suffix]))
}

// commonAffixes returns the lengths of the common prefix and of the common
// suffix of a and b; they never overlap.
func commonAffixes(a, b []rune) (prefix, suffix int) {
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return prefix, suffix
}
