package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	gen := NewGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen.GenerateString()
		require.Len(t, id, 26)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestTypedIDGeneration(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
	}{
		{NewSessionID().String(), SessionPrefix},
		{NewPendingID().String(), PendingPrefix},
		{NewInstanceID().String(), InstancePrefix},
		{NewRequestID().String(), RequestPrefix},
	}

	for _, tt := range tests {
		assert.True(t, strings.HasPrefix(tt.id, tt.prefix+"_"), tt.id)
		assert.True(t, HasPrefix(tt.id, tt.prefix), tt.id)
	}

	assert.False(t, HasPrefix("sess_nope", SessionPrefix))
	assert.False(t, HasPrefix(NewSessionID().String(), PendingPrefix))
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(NewGenerator().GenerateString()))

	for _, bad := range []string{"", "invalid", "1234567890", "zzzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		assert.False(t, IsValid(bad), bad)
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	sid := NewSessionID()
	after := time.Now().Add(time.Millisecond)

	ts, err := Timestamp(sid.String())
	require.NoError(t, err)
	assert.True(t, !ts.Before(before.Truncate(time.Millisecond)) && !ts.After(after), "timestamp %v out of range", ts)
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := gen.GenerateString()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1600)
}
