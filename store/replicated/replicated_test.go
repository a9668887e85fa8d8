package replicated

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"swarm.dev/core/store"
	"swarm.dev/core/task"
)

type fakeMap struct {
	mu      sync.RWMutex
	content map[string]string
}

func newFakeMap() *fakeMap {
	return &fakeMap{content: make(map[string]string)}
}

var _ Map = (*fakeMap)(nil)

func (m *fakeMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.content))
	for k := range m.content {
		out = append(out, k)
	}
	return out
}

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.content[key]
	return v, ok
}

func (m *fakeMap) Set(ctx context.Context, key, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.content[key]
	m.content[key] = value
	return prev, nil
}

func (m *fakeMap) Delete(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.content[key]
	delete(m.content, key)
	return prev, nil
}

func TestReplicatedSaveGetRoundTrip(t *testing.T) {
	s := New(newFakeMap())
	ctx := context.Background()
	bot := &task.BotInfo{BotID: "bot-1", DimensionsFlat: []string{"os:linux"}, Version: "1.2.3"}

	require.NoError(t, s.SaveBot(ctx, bot))
	got, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	require.Equal(t, bot.BotID, got.BotID)
	require.Equal(t, bot.Version, got.Version)
}

func TestReplicatedGetNotFound(t *testing.T) {
	s := New(newFakeMap())
	_, err := s.GetBot(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplicatedDeleteIsSoftRetainsEvents(t *testing.T) {
	s := New(newFakeMap())
	ctx := context.Background()
	require.NoError(t, s.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	require.NoError(t, s.AppendEvent(ctx, task.BotEvent{BotID: "bot-1", Kind: task.BotEventPoll}))

	require.NoError(t, s.DeleteBot(ctx, "bot-1"))
	_, err := s.GetBot(ctx, "bot-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	events, err := s.ListEvents(ctx, "bot-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReplicatedEventTailIsBounded(t *testing.T) {
	s := New(newFakeMap())
	ctx := context.Background()
	for i := 0; i < maxEventsPerBot+10; i++ {
		require.NoError(t, s.AppendEvent(ctx, task.BotEvent{BotID: "bot-1", Kind: task.BotEventPoll}))
	}
	events, err := s.ListEvents(ctx, "bot-1", 0)
	require.NoError(t, err)
	require.Len(t, events, maxEventsPerBot)
}

func TestReplicatedListBotsFiltersByDimension(t *testing.T) {
	s := New(newFakeMap())
	ctx := context.Background()
	require.NoError(t, s.SaveBot(ctx, &task.BotInfo{BotID: "bot-1", DimensionsFlat: []string{"os:linux"}}))
	require.NoError(t, s.SaveBot(ctx, &task.BotInfo{BotID: "bot-2", DimensionsFlat: []string{"os:mac"}}))

	page, err := s.ListBots(ctx, store.BotFilter{Dimensions: task.Dimensions{"os": {"linux"}}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "bot-1", page.Items[0].BotID)
}
