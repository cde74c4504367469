package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used for window, port and message identifiers where ordering helps debugging.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewNonce returns a handshake nonce. Unlike CreateULID the random part is
// drawn fresh from crypto/rand for every call, so consecutive nonces are not
// predictable from each other.
func NewNonce() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
