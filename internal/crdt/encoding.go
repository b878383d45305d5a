package crdt

import (
	"fmt"
	"unicode/utf8"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/replica"
	"github.com/hpungsan/fieldsync/internal/wire"
)

// insertOp is a run of runes inserted by one replica in one transaction. The
// i-th rune has ID (Start.Replica, Start.Seq+i), clock Clock+i, and its origin
// is rune i-1 (rune 0 uses Origin).
type insertOp struct {
	Field  string
	Start  ID
	Clock  uint64
	Origin ID
	Text   string
}

// deleteOp tombstones Len consecutive sequence numbers of one replica.
type deleteOp struct {
	Start ID
	Len   uint64
}

// update is the decoded form of an update delta.
type update struct {
	Origin  Origin
	Inserts []insertOp
	Deletes []deleteOp
}

func (u *update) empty() bool {
	return len(u.Inserts) == 0 && len(u.Deletes) == 0
}

func encodeUpdate(u *update) []byte {
	var b []byte
	b = wire.AppendString(b, 1, string(u.Origin))
	for _, op := range u.Inserts {
		var m []byte
		m = wire.AppendString(m, 1, op.Field)
		m = wire.AppendString(m, 2, string(op.Start.Replica))
		m = wire.AppendVarint(m, 3, op.Start.Seq)
		m = wire.AppendVarint(m, 4, op.Clock)
		m = wire.AppendString(m, 5, string(op.Origin.Replica))
		m = wire.AppendVarint(m, 6, op.Origin.Seq)
		m = wire.AppendString(m, 7, op.Text)
		b = wire.AppendMessage(b, 2, m)
	}
	for _, op := range u.Deletes {
		var m []byte
		m = wire.AppendString(m, 1, string(op.Start.Replica))
		m = wire.AppendVarint(m, 2, op.Start.Seq)
		m = wire.AppendVarint(m, 3, op.Len)
		b = wire.AppendMessage(b, 3, m)
	}
	return b
}

func decodeUpdate(data []byte) (*update, error) {
	u := &update{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			u.Origin = Origin(f.String())
		case 2:
			op, err := decodeInsert(f.Bytes)
			if err != nil {
				return err
			}
			u.Inserts = append(u.Inserts, op)
		case 3:
			op, err := decodeDelete(f.Bytes)
			if err != nil {
				return err
			}
			u.Deletes = append(u.Deletes, op)
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewMalformedDelta("update", err)
	}
	return u, nil
}

func decodeInsert(b []byte) (insertOp, error) {
	var op insertOp
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			op.Field = f.String()
		case 2:
			op.Start.Replica = replica.ID(f.String())
		case 3:
			op.Start.Seq = f.Varint
		case 4:
			op.Clock = f.Varint
		case 5:
			op.Origin.Replica = replica.ID(f.String())
		case 6:
			op.Origin.Seq = f.Varint
		case 7:
			op.Text = f.String()
		}
		return nil
	})
	if err != nil {
		return op, err
	}
	switch {
	case op.Field == "":
		return op, fmt.Errorf("insert without field")
	case op.Start.Replica == replica.None:
		return op, fmt.Errorf("insert without replica")
	case op.Text == "" || !utf8.ValidString(op.Text):
		return op, fmt.Errorf("insert with empty or invalid text")
	}
	return op, nil
}

func decodeDelete(b []byte) (deleteOp, error) {
	var op deleteOp
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			op.Start.Replica = replica.ID(f.String())
		case 2:
			op.Start.Seq = f.Varint
		case 3:
			op.Len = f.Varint
		}
		return nil
	})
	if err != nil {
		return op, err
	}
	if op.Start.Replica == replica.None || op.Len == 0 {
		return op, fmt.Errorf("delete without replica or length")
	}
	return op, nil
}

// EncodeStateVector serializes sv.
func EncodeStateVector(sv StateVector) []byte {
	var b []byte
	for _, id := range sv.Replicas() {
		var m []byte
		m = wire.AppendString(m, 1, string(id))
		m = wire.AppendVarint(m, 2, sv[id])
		b = wire.AppendMessage(b, 1, m)
	}
	return b
}

// DecodeStateVector parses a state vector produced by EncodeStateVector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		var id replica.ID
		var seq uint64
		err := wire.Walk(f.Bytes, func(e wire.Field) error {
			switch e.Num {
			case 1:
				id = replica.ID(e.String())
			case 2:
				seq = e.Varint
			}
			return nil
		})
		if err != nil {
			return err
		}
		if id != replica.None {
			sv[id] = seq
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewMalformedDelta("state vector", err)
	}
	return sv, nil
}
