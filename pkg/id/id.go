// Package id mints run identifiers.
//
// # Format
//
// IDs are ULIDs: 26-character Crockford base32, 48-bit millisecond timestamp
// followed by 80 bits of entropy. Byte-wise comparison preserves creation
// order, which keeps provider keyspaces time-clustered, and the embedded
// timestamp makes a run's age readable straight from its ID.
package id

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

// New returns a time-sortable run identifier. IDs minted within one process
// are strictly increasing even inside the same millisecond.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsValid reports whether s parses as an identifier minted by New.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time extracts the creation time embedded in a valid identifier.
func Time(s string) (time.Time, bool) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
