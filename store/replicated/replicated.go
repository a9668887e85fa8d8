// Package replicated provides a replicated-map backed implementation of
// store.BotStore, used for cluster-wide bot presence.
//
// Bot presence is a soft cache, not a system of record: every bot
// re-announces itself on every poll, so losing a replicated entry only
// costs one poll cycle of staleness, never data. That lets the Bot
// Registry run on a Pulse replicated map (rmap) over Redis instead of a
// durable store, giving every node in the cluster the same view of which
// bots exist without a round trip to Mongo on every scheduling decision.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"swarm.dev/core/store"
	"swarm.dev/core/task"
)

type (
	// Map is the minimal replicated-map contract required by this store.
	//
	// Map is satisfied by *rmap.Map from goa.design/pulse/rmap. It is
	// defined here to keep the store unit-testable without Redis and to
	// avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Store persists BotInfo presence and a bounded recent-event tail in
	// a replicated map.
	Store struct {
		m Map
	}
)

const (
	botKeyPrefix    = "swarm:bot:"
	eventsKeyPrefix = "swarm:botevents:"

	// maxEventsPerBot bounds the replicated event tail; older entries are
	// dropped. Full bot event history belongs in the durable store.
	maxEventsPerBot = 50
)

var _ store.BotStore = (*Store)(nil)

// New creates a replicated store backed by the given map.
func New(m Map) *Store {
	return &Store{m: m}
}

func (s *Store) SaveBot(ctx context.Context, bot *task.BotInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("marshal bot %q: %w", bot.BotID, err)
	}
	if _, err := s.m.Set(ctx, botKey(bot.BotID), string(b)); err != nil {
		return fmt.Errorf("save bot %q: %w", bot.BotID, err)
	}
	return nil
}

func (s *Store) GetBot(ctx context.Context, botID string) (*task.BotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := s.m.Get(botKey(botID))
	if !ok {
		return nil, store.ErrNotFound
	}
	var bot task.BotInfo
	if err := json.Unmarshal([]byte(val), &bot); err != nil {
		return nil, fmt.Errorf("unmarshal bot %q: %w", botID, err)
	}
	return &bot, nil
}

// DeleteBot removes the presence entry but leaves the event tail intact,
// matching the soft-delete contract of store.BotStore.
func (s *Store) DeleteBot(ctx context.Context, botID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := botKey(botID)
	if _, ok := s.m.Get(key); !ok {
		return store.ErrNotFound
	}
	if _, err := s.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete bot %q: %w", botID, err)
	}
	return nil
}

func (s *Store) ListBots(ctx context.Context, filter store.BotFilter) (store.Page[*task.BotInfo], error) {
	if err := ctx.Err(); err != nil {
		return store.Page[*task.BotInfo]{}, err
	}
	var matches []*task.BotInfo
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, botKeyPrefix) {
			continue
		}
		botID := strings.TrimPrefix(k, botKeyPrefix)
		bot, err := s.GetBot(ctx, botID)
		if err != nil {
			continue // evicted between Keys() and Get(); skip rather than fail the whole page.
		}
		if matchesFilter(bot, filter) {
			matches = append(matches, bot)
		}
	}

	limit := filter.Limit
	if limit <= 0 || limit > len(matches) {
		limit = len(matches)
	}
	return store.Page[*task.BotInfo]{Items: matches[:limit]}, nil
}

func (s *Store) CountBots(ctx context.Context, filter store.BotFilter) (store.BotFacetCounts, error) {
	page, err := s.ListBots(ctx, store.BotFilter{Dimensions: filter.Dimensions, Quarantined: filter.Quarantined})
	if err != nil {
		return store.BotFacetCounts{}, err
	}
	var counts store.BotFacetCounts
	for _, b := range page.Items {
		counts.Total++
		if b.Quarantined {
			counts.Quarantined++
		}
		if b.CurrentTaskID != 0 {
			counts.Busy++
		}
		if b.MachineType != "" {
			counts.Leased++
		}
	}
	return counts, nil
}

func matchesFilter(bot *task.BotInfo, filter store.BotFilter) bool {
	if filter.Quarantined != nil && bot.Quarantined != *filter.Quarantined {
		return false
	}
	if len(filter.Dimensions) == 0 {
		return true
	}
	have := bot.Dimensions()
	for k, vs := range filter.Dimensions {
		haveSet := make(map[string]struct{}, len(have[k]))
		for _, v := range have[k] {
			haveSet[v] = struct{}{}
		}
		for _, v := range vs {
			if _, ok := haveSet[v]; !ok {
				return false
			}
		}
	}
	return true
}

func (s *Store) AppendEvent(ctx context.Context, ev task.BotEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	events, _ := s.ListEvents(ctx, ev.BotID, 0)
	events = append(events, ev)
	if len(events) > maxEventsPerBot {
		events = events[len(events)-maxEventsPerBot:]
	}
	b, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events for bot %q: %w", ev.BotID, err)
	}
	if _, err := s.m.Set(ctx, eventsKey(ev.BotID), string(b)); err != nil {
		return fmt.Errorf("save events for bot %q: %w", ev.BotID, err)
	}
	return nil
}

func (s *Store) ListEvents(_ context.Context, botID string, limit int) ([]task.BotEvent, error) {
	val, ok := s.m.Get(eventsKey(botID))
	if !ok {
		return nil, nil
	}
	var events []task.BotEvent
	if err := json.Unmarshal([]byte(val), &events); err != nil {
		return nil, fmt.Errorf("unmarshal events for bot %q: %w", botID, err)
	}
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func botKey(botID string) string    { return botKeyPrefix + botID }
func eventsKey(botID string) string { return eventsKeyPrefix + botID }
