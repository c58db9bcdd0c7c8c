package identity

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEventID_Prefix(t *testing.T) {
	id := GenerateEventID()
	require.True(t, strings.HasPrefix(id, "evt_"), "got %s", id)
	assert.Len(t, id, len("evt_")+26)
}

func TestPrefixedIDs(t *testing.T) {
	tests := []struct {
		prefix string
		gen    func() string
	}{
		{"dec_", GenerateDecisionID},
		{"ses_", GenerateSessionID},
		{"snp_", GenerateSnapshotID},
		{"trc_", GenerateTraceID},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(tt.gen(), tt.prefix))
		})
	}
}

func TestULIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := ULIDTimestamp(GenerateEventID())
	require.NoError(t, err)
	assert.True(t, ts.After(before))

	_, err = ULIDTimestamp("evt_not-a-ulid")
	assert.Error(t, err)
}

func TestGenerateULID_ConcurrentUniqueness(t *testing.T) {
	const n = 500
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := GenerateEventID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestGenerateTraceID_FallbackWithoutUUIDSource(t *testing.T) {
	orig := uuidSource
	uuidSource = func() (uuid.UUID, error) { return uuid.Nil, errors.New("no entropy") }
	t.Cleanup(func() { uuidSource = orig })

	a := GenerateTraceID()
	b := GenerateTraceID()
	assert.True(t, strings.HasPrefix(a, "trc_"))
	assert.NotEqual(t, a, b)
	assert.Len(t, strings.TrimPrefix(a, "trc_"), 36)
	assert.Len(t, GenerateSpanID(), 16)
}
