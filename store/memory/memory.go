// Package memory is an in-memory implementation of store.RequestStore,
// store.RunStore, and store.BotStore, suitable for development, testing,
// and single-node deployments. It is the default store when the core is
// configured without Mongo, mirroring the teacher pattern of defaulting to
// an in-memory backend when none is supplied.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"swarm.dev/core/store"
	"swarm.dev/core/task"
)

type requestRecord struct {
	req     task.TaskRequest
	summary task.TaskResultSummary
}

type outputChunk struct {
	offset int64
	data   []byte
}

// Store is an in-memory, concurrency-safe implementation of
// store.RequestStore, store.RunStore, and store.BotStore.
type Store struct {
	mu       sync.RWMutex
	requests map[int64]*requestRecord
	runs     map[task.RunID]*task.TaskRunResult
	chunks   map[task.RunID][]outputChunk
	bots     map[string]*task.BotInfo
	events   map[string][]task.BotEvent
}

var (
	_ store.RequestStore = (*Store)(nil)
	_ store.RunStore     = (*Store)(nil)
	_ store.BotStore     = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		requests: make(map[int64]*requestRecord),
		runs:     make(map[task.RunID]*task.TaskRunResult),
		chunks:   make(map[task.RunID][]outputChunk),
		bots:     make(map[string]*task.BotInfo),
		events:   make(map[string][]task.BotEvent),
	}
}

// CreateRequest atomically writes req and its initial summary.
func (s *Store) CreateRequest(_ context.Context, req *task.TaskRequest, summary *task.TaskResultSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return task.Errorf(task.CodeInvalidArgument, "request %d already exists", req.ID)
	}
	reqCopy := *req
	summaryCopy := *summary
	s.requests[req.ID] = &requestRecord{req: reqCopy, summary: summaryCopy}
	return nil
}

func (s *Store) GetRequest(_ context.Context, id int64) (*task.TaskRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	reqCopy := rec.req
	return &reqCopy, nil
}

func (s *Store) GetSummary(_ context.Context, id int64) (*task.TaskResultSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	summaryCopy := rec.summary
	return &summaryCopy, nil
}

func (s *Store) SaveSummary(_ context.Context, summary *task.TaskResultSummary, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[summary.RequestID]
	if !ok {
		return store.ErrNotFound
	}
	if rec.summary.Version != expectedVersion {
		return store.ErrConflict
	}
	next := *summary
	next.Version = expectedVersion + 1
	rec.summary = next
	return nil
}

func (s *Store) ListRequests(_ context.Context, filter store.RequestFilter) (store.Page[*task.TaskRequest], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursorTS, cursorID, err := store.DecodeCursor(filter.Cursor)
	if err != nil {
		return store.Page[*task.TaskRequest]{}, task.NewError(task.CodeInvalidArgument, "decode cursor", err)
	}

	matches := make([]*requestRecord, 0, len(s.requests))
	for _, rec := range s.requests {
		if matchesFilter(rec, filter) {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		ti := sortValue(matches[i], filter.Sort)
		tj := sortValue(matches[j], filter.Sort)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matches[i].req.ID < matches[j].req.ID
	})

	start := len(matches)
	if filter.Cursor != "" {
		for i, rec := range matches {
			ts := sortValue(rec, filter.Sort)
			if ts.Before(cursorTS) || (ts.Equal(cursorTS) && rec.req.ID > cursorID) {
				start = i
				break
			}
		}
	} else {
		start = 0
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(matches) {
		end = len(matches)
	}

	page := matches[start:end]
	out := make([]*task.TaskRequest, len(page))
	for i, rec := range page {
		reqCopy := rec.req
		out[i] = &reqCopy
	}

	next := ""
	if end < len(matches) {
		last := matches[end-1]
		next = store.EncodeCursor(sortValue(last, filter.Sort), last.req.ID)
	}

	return store.Page[*task.TaskRequest]{Items: out, NextCursor: next}, nil
}

func (s *Store) CountRequests(_ context.Context, filter store.RequestFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.requests {
		if matchesFilter(rec, filter) {
			n++
		}
	}
	return n, nil
}

func sortValue(rec *requestRecord, key store.SortKey) time.Time {
	switch key {
	case store.SortByModified:
		return rec.summary.ModifiedTS
	case store.SortByCompleted:
		return rec.summary.CompletedTS
	default:
		return rec.req.CreatedTS
	}
}

func matchesFilter(rec *requestRecord, filter store.RequestFilter) bool {
	if !rec.req.HasAllTags(filter.Tags) {
		return false
	}
	if filter.State != nil && rec.summary.State != *filter.State {
		return false
	}
	ts := sortValue(rec, filter.Sort)
	if !filter.Since.IsZero() && ts.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && ts.After(filter.Until) {
		return false
	}
	return true
}

// --- RunStore ---

func (s *Store) CreateRun(_ context.Context, run *task.TaskRunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := task.RunID{RequestID: run.RequestID, TryNumber: run.TryNumber}
	if _, ok := s.runs[id]; ok {
		return task.Errorf(task.CodeInvalidArgument, "run %+v already exists", id)
	}
	runCopy := *run
	s.runs[id] = &runCopy
	return nil
}

func (s *Store) GetRun(_ context.Context, id task.RunID) (*task.TaskRunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	runCopy := *run
	return &runCopy, nil
}

func (s *Store) SaveRun(_ context.Context, run *task.TaskRunResult, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := task.RunID{RequestID: run.RequestID, TryNumber: run.TryNumber}
	existing, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return store.ErrConflict
	}
	next := *run
	next.Version = expectedVersion + 1
	s.runs[id] = &next
	return nil
}

func (s *Store) AppendOutputChunk(_ context.Context, id task.RunID, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.chunks[id]
	var size int64
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		size = last.offset + int64(len(last.data))
	}
	switch {
	case offset == size:
		s.chunks[id] = append(existing, outputChunk{offset: offset, data: append([]byte(nil), data...)})
		return nil
	case offset < size:
		// Idempotent retransmit: accept silently only if it's an exact
		// replay of already-persisted bytes at this offset.
		if offset >= 0 && offset+int64(len(data)) <= size && isReplay(existing, offset, data) {
			return nil
		}
		return &store.OutputChunkRejected{RunID: id, Offset: offset, CurrentSize: size}
	default:
		return &store.OutputChunkRejected{RunID: id, Offset: offset, CurrentSize: size}
	}
}

func isReplay(chunks []outputChunk, offset int64, data []byte) bool {
	// Reconstruct the persisted byte range [offset, offset+len(data)) and
	// compare; chunks are contiguous and offset-ordered by construction.
	remaining := data
	pos := offset
	for _, c := range chunks {
		cEnd := c.offset + int64(len(c.data))
		if cEnd <= pos {
			continue
		}
		if c.offset > pos {
			return false // gap — can't happen given append invariant, but be safe.
		}
		skip := pos - c.offset
		avail := c.data[skip:]
		n := len(remaining)
		if n > len(avail) {
			n = len(avail)
		}
		for i := 0; i < n; i++ {
			if remaining[i] != avail[i] {
				return false
			}
		}
		remaining = remaining[n:]
		pos += int64(n)
		if len(remaining) == 0 {
			return true
		}
	}
	return len(remaining) == 0
}

func (s *Store) ReadOutput(_ context.Context, id task.RunID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := s.chunks[id]
	var out []byte
	for _, c := range chunks {
		out = append(out, c.data...)
	}
	return out, nil
}

// --- BotStore ---

func (s *Store) SaveBot(_ context.Context, bot *task.BotInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	botCopy := *bot
	s.bots[bot.BotID] = &botCopy
	return nil
}

func (s *Store) GetBot(_ context.Context, botID string) (*task.BotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[botID]
	if !ok {
		return nil, store.ErrNotFound
	}
	botCopy := *bot
	return &botCopy, nil
}

func (s *Store) DeleteBot(_ context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[botID]; !ok {
		return store.ErrNotFound
	}
	delete(s.bots, botID)
	return nil
}

func (s *Store) ListBots(_ context.Context, filter store.BotFilter) (store.Page[*task.BotInfo], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*task.BotInfo, 0, len(s.bots))
	for _, b := range s.bots {
		if matchesBotFilter(b, filter) {
			botCopy := *b
			matches = append(matches, &botCopy)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return int64FromBotID(matches[i].BotID) < int64FromBotID(matches[j].BotID) })

	start := 0
	if filter.Cursor != "" {
		_, afterID, err := store.DecodeCursor(filter.Cursor)
		if err != nil {
			return store.Page[*task.BotInfo]{}, task.NewError(task.CodeInvalidArgument, "decode cursor", err)
		}
		for i, b := range matches {
			if int64FromBotID(b.BotID) > afterID {
				start = i
				break
			}
			start = i + 1
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(matches) {
		end = len(matches)
	}
	page := matches[start:end]
	next := ""
	if end < len(matches) {
		next = store.EncodeCursor(time.Time{}, int64FromBotID(page[len(page)-1].BotID))
	}
	return store.Page[*task.BotInfo]{Items: page, NextCursor: next}, nil
}

// int64FromBotID derives a stable sort/cursor key from a bot ID without
// requiring bot IDs to be numeric; ListBots orders its pages by this key
// (not by the IDs as strings) and compares cursors against it. It is not
// exposed to callers. Two IDs with equal keys are not told apart by the
// cursor.
func int64FromBotID(id string) int64 {
	var h int64
	for _, r := range id {
		h = h*131 + int64(r)
	}
	return h
}

func (s *Store) CountBots(_ context.Context, filter store.BotFilter) (store.BotFacetCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts store.BotFacetCounts
	for _, b := range s.bots {
		if !matchesBotFilter(b, filter) {
			continue
		}
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

func matchesBotFilter(b *task.BotInfo, filter store.BotFilter) bool {
	if filter.Quarantined != nil && b.Quarantined != *filter.Quarantined {
		return false
	}
	if len(filter.Dimensions) == 0 {
		return true
	}
	have := b.Dimensions()
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

func (s *Store) AppendEvent(_ context.Context, ev task.BotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.BotID] = append(s.events[ev.BotID], ev)
	return nil
}

func (s *Store) ListEvents(_ context.Context, botID string, limit int) ([]task.BotEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[botID]
	if limit <= 0 || limit >= len(events) {
		out := make([]task.BotEvent, len(events))
		copy(out, events)
		return out, nil
	}
	out := make([]task.BotEvent, limit)
	copy(out, events[len(events)-limit:])
	return out, nil
}
