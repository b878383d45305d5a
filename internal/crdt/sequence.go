package crdt

import "strings"

// item is one rune in a field, live or tombstoned.
type item struct {
	id      ID
	clock   uint64 // Lamport timestamp
	origin  ID     // left neighbour at insertion time; zero means start
	field   string
	value   rune
	deleted bool
}

// outranks reports whether a is ordered before b when both were inserted
// after the same origin: higher Lamport clock first, then higher replica ID.
func (a *item) outranks(b *item) bool {
	if a.clock != b.clock {
		return a.clock > b.clock
	}
	return a.id.Replica > b.id.Replica
}

// sequence is the ordered list of items of one field, tombstones included.
type sequence struct {
	items []*item
}

func (s *sequence) indexOf(id ID) int {
	for i, it := range s.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places it right of its origin, skipping every item that
// outranks it. Items in the subtree of an outranking sibling carry larger
// clocks than that sibling, so the scan passes over whole subtrees and stops at
// the first lower-ranked sibling or at the end of the origin's subtree. The
// result is independent of the order in which concurrent items arrive.
func (s *sequence) integrate(it *item) bool {
	i := 0
	if !it.origin.IsZero() {
		o := s.indexOf(it.origin)
		if o < 0 {
			return false
		}
		i = o + 1
	}
	for i < len(s.items) && s.items[i].outranks(it) {
		i++
	}
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	return true
}

// visible returns the live item at visible position pos.
func (s *sequence) visible(pos int) *item {
	n := 0
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return it
		}
		n++
	}
	return nil
}

// live returns the live items in order.
func (s *sequence) live() []*item {
	out := make([]*item, 0, len(s.items))
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

func (s *sequence) len() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (s *sequence) String() string {
	var b strings.Builder
	for _, it := range s.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// newItem builds the i-th rune of an insert run.
func newItem(field string, start ID, clock uint64, origin ID, i int, r rune) *item {
	it := &item{
		id:     ID{Replica: start.Replica, Seq: start.Seq + uint64(i)},
		clock:  clock + uint64(i),
		origin: origin,
		field:  field,
		value:  r,
	}
	if i > 0 {
		it.origin = ID{Replica: start.Replica, Seq: start.Seq + uint64(i) - 1}
	}
	return it
}
