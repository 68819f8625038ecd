package doc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_Less_TotalOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b ID
		less bool
	}{
		{"client breaks tie", ID{"alice", 5}, ID{"bob", 1}, true},
		{"same client by seq", ID{"alice", 1}, ID{"alice", 2}, true},
		{"equal is not less", ID{"alice", 1}, ID{"alice", 1}, false},
		{"reverse", ID{"bob", 1}, ID{"alice", 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.less, tt.a.Less(tt.b))
		})
	}
}

func TestNewClientID_Unique(t *testing.T) {
	seen := make(map[ClientID]bool)
	for i := 0; i < 100; i++ {
		id := NewClientID()
		require.NotEmpty(t, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestStateVector_Clone(t *testing.T) {
	v := StateVector{"alice": 3, "bob": 7}
	c := v.Clone()
	assert.Equal(t, v, c)

	c["alice"] = 99
	assert.Equal(t, uint64(3), v["alice"], "clone must be independent")
}

func TestStateVector_Covers(t *testing.T) {
	v := StateVector{"alice": 3, "bob": 7}
	assert.True(t, v.Covers(StateVector{}))
	assert.True(t, v.Covers(StateVector{"alice": 3}))
	assert.True(t, v.Covers(StateVector{"alice": 2, "bob": 7}))
	assert.False(t, v.Covers(StateVector{"alice": 4}))
	assert.False(t, v.Covers(StateVector{"carol": 1}))
}
