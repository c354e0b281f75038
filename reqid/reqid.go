// Package reqid implements the opaque correlation token carried by every frame.
//
// A REQID binds a response to the request that caused it. The all-zero value is
// the sentinel for unsolicited (one-way) messages: nobody waits for a reply to it.
package reqid

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Size is the on-wire width of a REQID in bytes.
const Size = 16

// REQID is a fixed-width correlation token. It is a value type, so == compares
// the bytes, never an address.
type REQID [Size]byte

// Zero is the sentinel meaning "no correlation expected".
var Zero REQID

// Generate returns a fresh token drawn from crypto/rand (via a version 4 UUID).
// Random tokens stay unique across reconnects and partitions where a counter
// would restart.
func Generate() REQID {
	return REQID(uuid.New())
}

// IsSentinel reports whether id is the unsolicited-message sentinel.
func (id REQID) IsSentinel() bool {
	return id == Zero
}

// Equal reports byte-wise equality.
func (id REQID) Equal(other REQID) bool {
	return id == other
}

func (id REQID) String() string {
	return hex.EncodeToString(id[:])
}

// FromBytes copies a REQID out of b, which must be exactly Size bytes long.
func FromBytes(b []byte) (REQID, error) {
	var id REQID
	if len(b) != Size {
		return id, fmt.Errorf("reqid: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (REQID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("reqid: %w", err)
	}
	return FromBytes(b)
}
