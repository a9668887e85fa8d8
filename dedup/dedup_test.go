package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swarm.dev/core/task"
)

func TestMemoryCacheRecordThenLookupRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	hash := [32]byte{1, 2, 3}
	entry := task.DedupEntry{PropertiesHash: hash, RunRef: task.RunID{RequestID: 1, TryNumber: 1}, ExitCode: 0}

	require.NoError(t, c.Record(ctx, entry, time.Minute))
	got, ok, err := c.Lookup(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.RunRef, got.RunRef)
}

func TestMemoryCacheLookupMissReturnsNotOK(t *testing.T) {
	c := NewMemoryCache()
	_, ok, err := c.Lookup(context.Background(), [32]byte{9, 9})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryCacheExpiredEntryTreatedAsAbsent(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	hash := [32]byte{1}
	require.NoError(t, c.Record(ctx, task.DedupEntry{PropertiesHash: hash}, -time.Second))

	_, ok, err := c.Lookup(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok, "entry recorded with a TTL already in the past must read back as absent")
}

func TestMemoryCachePruneRemovesExpiredOnly(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, task.DedupEntry{PropertiesHash: [32]byte{1}}, -time.Second))
	require.NoError(t, c.Record(ctx, task.DedupEntry{PropertiesHash: [32]byte{2}}, time.Hour))

	pruned := c.Prune(time.Now())
	require.Equal(t, 1, pruned)

	_, ok, _ := c.Lookup(ctx, [32]byte{2})
	require.True(t, ok)
}
