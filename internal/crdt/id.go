// Package crdt implements the replicated text store: one RGA sequence per
// field inside a document, mutated through origin-tagged transactions and
// merged from binary update deltas.
package crdt

import (
	"sort"

	"github.com/hpungsan/fieldsync/internal/replica"
)

// Origin tags a transaction with the process that caused it. Observers compare
// it by value to tell their own echoes from remote changes, so a replica must
// keep its origin stable for the lifetime of its connection.
type Origin string

// SyncOrigin tags updates produced by EncodeDiff for catch-up resync.
const SyncOrigin Origin = "sync"

// ID identifies one inserted rune: the replica that created it and that
// replica's sequence number for it.
type ID struct {
	Replica replica.ID
	Seq     uint64
}

// IsZero reports whether id is the zero ID, which stands for the start of a field.
func (id ID) IsZero() bool {
	return id.Replica == replica.None
}

// StateVector maps each replica to the next sequence number expected from it,
// i.e. the number of its inserts already integrated.
type StateVector map[replica.ID]uint64

// Replicas returns the replicas of sv in sorted order.
func (sv StateVector) Replicas() []replica.ID {
	ids := make([]replica.ID, 0, len(sv))
	for id := range sv {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a copy of sv.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for id, seq := range sv {
		out[id] = seq
	}
	return out
}
