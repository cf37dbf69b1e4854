package portico

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSessionToken generates a 256-bit random capability token for
// conversation access. Not time-sortable on purpose.
func NewSessionToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the platform is broken; fall back to
		// a UUID rather than returning a guessable token.
		return uuid.NewString() + uuid.NewString()
	}
	return hex.EncodeToString(b[:])
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
