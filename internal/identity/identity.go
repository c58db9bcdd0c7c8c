// Package identity generates the identifiers used by the event kernel and the
// evidence ledger. Event, decision, session and snapshot ids are prefixed ULIDs
// so they sort by creation time; trace and span ids are UUIDs so they stay
// compatible with ids produced by other processes.
package identity

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// uuidSource is swapped in tests to exercise the fallback path.
var uuidSource = uuid.NewRandom

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// GenerateEventID generates a unique event ID.
// Format: "evt_" + ulid().
func GenerateEventID() string {
	return "evt_" + generateULID()
}

// GenerateDecisionID generates a unique ledger decision ID.
// Format: "dec_" + ulid().
func GenerateDecisionID() string {
	return "dec_" + generateULID()
}

// GenerateSessionID generates a unique ledger session ID.
// Format: "ses_" + ulid().
func GenerateSessionID() string {
	return "ses_" + generateULID()
}

// GenerateSnapshotID generates a unique context snapshot ID.
// Format: "snp_" + ulid().
func GenerateSnapshotID() string {
	return "snp_" + generateULID()
}

// GenerateTraceID generates a trace (correlation) ID.
// Falls back to a timestamp+random id when no UUID source is available.
func GenerateTraceID() string {
	return "trc_" + generateUUID()
}

// GenerateSpanID generates a span ID: the first 16 hex digits of a UUID.
func GenerateSpanID() string {
	return strings.ReplaceAll(generateUUID(), "-", "")[:16]
}

func generateUUID() string {
	id, err := uuidSource()
	if err != nil {
		return fallbackID()
	}
	return id.String()
}

// fallbackID builds a UUID-shaped id from the wall clock and a PRNG.
func fallbackID() string {
	ms := uint64(time.Now().UnixMilli()) //nolint:gosec // G115 - positive epoch millis
	r1 := mrand.Uint64()
	r2 := mrand.Uint32()
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		uint32(ms>>16), uint16(ms), uint16(r1>>48), uint16(r1>>32), uint64(r2)<<16|(r1&0xffff))
}

func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids within one millisecond.
		return fallbackID()
	}
	return id.String()
}

// ULIDTimestamp extracts the creation time from a prefixed or bare ULID.
func ULIDTimestamp(id string) (time.Time, error) {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}
	return ulid.Time(parsed.Time()), nil
}
