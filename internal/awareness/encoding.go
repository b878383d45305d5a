package awareness

import (
	"fmt"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/replica"
	"github.com/hpungsan/fieldsync/internal/wire"
)

// decoded is one entry of an awareness delta; a nil state means the client is gone.
type decoded struct {
	client replica.ID
	clock  uint64
	state  *State
}

func appendEntry(b []byte, id replica.ID, clock uint64, s *State) []byte {
	var m []byte
	m = wire.AppendString(m, 1, string(id))
	m = wire.AppendVarint(m, 2, clock)
	if s != nil {
		m = wire.AppendMessage(m, 3, encodeState(*s))
	}
	return wire.AppendMessage(b, 1, m)
}

func encodeState(s State) []byte {
	var u []byte
	u = wire.AppendString(u, 1, s.User.Name)
	u = wire.AppendString(u, 2, s.User.Color)

	var b []byte
	b = wire.AppendMessage(b, 1, u)
	b = wire.AppendString(b, 2, s.FocusedField)
	b = wire.AppendVarint(b, 3, s.Claim)
	return b
}

func decodeUpdate(data []byte) ([]decoded, error) {
	var out []decoded
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		d, err := decodeEntry(f.Bytes)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, errors.NewMalformedDelta("awareness", err)
	}
	return out, nil
}

func decodeEntry(b []byte) (decoded, error) {
	var d decoded
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			d.client = replica.ID(f.String())
		case 2:
			d.clock = f.Varint
		case 3:
			s, err := decodeState(f.Bytes)
			if err != nil {
				return err
			}
			d.state = &s
		}
		return nil
	})
	if err != nil {
		return d, err
	}
	if d.client == replica.None {
		return d, fmt.Errorf("entry without client")
	}
	return d, nil
}

func decodeState(b []byte) (State, error) {
	var s State
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			return wire.Walk(f.Bytes, func(u wire.Field) error {
				switch u.Num {
				case 1:
					s.User.Name = u.String()
				case 2:
					s.User.Color = u.String()
				}
				return nil
			})
		case 2:
			s.FocusedField = f.String()
		case 3:
			s.Claim = f.Varint
		}
		return nil
	})
	return s, err
}
