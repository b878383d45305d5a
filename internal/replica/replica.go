// Package replica defines the identity of one live connection to a document.
package replica

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID identifies one live connection to a document. IDs are ULID strings
// assigned by the transport at connection time, so comparing two IDs
// lexicographically orders them by connection time.
type ID string

// None is the zero ID.
const None ID = ""

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a new replica ID.
func New() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Parse validates s as a replica ID.
func Parse(s string) (ID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return None, err
	}
	return ID(id.String()), nil
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id < other
}
