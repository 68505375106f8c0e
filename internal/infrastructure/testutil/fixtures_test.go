package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(Epoch)
	assert.Equal(t, Epoch, c.Now())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, Epoch.Add(1500*time.Millisecond), c.Now())

	later := Epoch.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestNewTestMutations(t *testing.T) {
	ms := NewTestMutations(3)
	require.Len(t, ms, 3)

	for i, m := range ms {
		require.NoError(t, m.Validate())
		if i > 0 {
			assert.True(t, m.Timestamp.After(ms[i-1].Timestamp), "timestamps not increasing at %d", i)
		}
	}
	assert.Equal(t, "/api/returns/r-001", ms[1].Endpoint)
}

func TestNewServerState(t *testing.T) {
	s := NewServerState(`{"a":1}`, Epoch, 4)
	assert.Equal(t, Epoch.UnixMilli(), s.Timestamp)
	assert.Equal(t, int64(4), s.Version)
}
