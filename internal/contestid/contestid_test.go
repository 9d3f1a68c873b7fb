package contestid

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsValid(t *testing.T) {
	id := New()
	require.NoError(t, Validate(id))
	assert.Len(t, id, len(Prefix)+26)
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		id := New()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewSortsByTime(t *testing.T) {
	var ids []string
	for range 10 {
		ids = append(ids, New())
		time.Sleep(time.Millisecond)
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestGeneratorUsesSource(t *testing.T) {
	g := NewGenerator(bytes.NewReader(bytes.Repeat([]byte{0xff}, 64)))
	id := g.New()
	require.NoError(t, Validate(id))
	// Everything after the timestamp comes from the reader; the tail is all
	// ones apart from the version and variant bits.
	assert.Equal(t, "zzzz", id[len(id)-4:])
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "00000000000000000000000000", encode(uuid.UUID{}))
	var max uuid.UUID
	for i := range max {
		max[i] = 0xff
	}
	assert.Equal(t, "7zzzzzzzzzzzzzzzzzzzzzzzzz", encode(max))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"generated", New(), true},
		{"no prefix", "01jq3v7n8kx2m4p6r8t0w2y4z6", false},
		{"short", "c_01jq3v7n8k", false},
		{"first char too large", "c_81jq3v7n8kx2m4p6r8t0w2y4z6", false},
		{"excluded letter", "c_01jq3v7n8kx2m4p6r8t0w2y4zi", false},
		{"upper case", "c_01JQ3V7N8KX2M4P6R8T0W2Y4Z6", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
