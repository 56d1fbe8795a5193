package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Append(ctx, Record{ID: fmt.Sprint(i), ConnToLocal: 10, LocalToConn: 1}))
	}

	recent, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"4", "3", "2"}, []string{recent[0].ID, recent[1].ID, recent[2].ID})

	two, err := m.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
	assert.Equal(t, "4", two[0].ID)
}

func TestMemoryStorePartialRing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(8)
	require.NoError(t, m.Append(ctx, Record{ID: "a"}))

	recent, err := m.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "a", recent[0].ID)
}

func TestMemoryStoreStatsSurviveEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(1)
	require.NoError(t, m.Append(ctx, Record{ConnToLocal: 5, LocalToConn: 7}))
	require.NoError(t, m.Append(ctx, Record{ConnToLocal: 1, Err: "read conn: reset"}))

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sessions: 2, Errors: 1, ConnToLocal: 6, LocalToConn: 7}, st)
}

func TestNewDefaultsToMemory(t *testing.T) {
	s, err := New("", "", 0, 0)
	require.NoError(t, err)
	defer s.Close()
	m, ok := s.(*MemoryStore)
	require.True(t, ok)
	assert.Len(t, m.ring, DefaultHistory)
}

func TestNewRedisUnreachable(t *testing.T) {
	// Port 1 on loopback refuses connections.
	_, err := New("127.0.0.1:1", "", 0, 4)
	assert.ErrorContains(t, err, "redis connection failed")
}

func TestNewID(t *testing.T) {
	a, err := NewID(8)
	require.NoError(t, err)
	b, err := NewID(8)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
