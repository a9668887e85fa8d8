// Package lifecycle implements the Lifecycle Timer (spec.md §4.8): a
// single scheduler-wide tick that expires overdue PENDING requests,
// detects bot death on RUNNING requests, prunes Dedup Cache entries
// past their TTL, and rebuilds a bounded tag/dimension frequency
// snapshot — in that order, once per tick.
//
// The tick itself is a single cluster-wide `goa.design/pulse/pool`
// distributed ticker, the same primitive the teacher registry's health
// tracker (_teacher_ref/registry/health_tracker.go) uses for its ping
// cadence: only one node in the pool
// actually receives each tick, with automatic failover if that node
// goes away, so the sweep never runs twice for the same interval.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"swarm.dev/core/botregistry"
	"swarm.dev/core/dedup"
	"swarm.dev/core/dimindex"
	"swarm.dev/core/store"
	"swarm.dev/core/task"
	"swarm.dev/core/telemetry"
)

// DefaultInterval matches spec.md §4.8's "configurable, default ~60s".
const DefaultInterval = 60 * time.Second

// DefaultScanPageSize bounds how many records each sweep phase pages
// through per ListRequests/ListBots call.
const DefaultScanPageSize = 256

// DefaultFrequencySnapshotLimit bounds how many distinct tag/dimension
// values the frequency snapshot retains, per spec.md §4.8's "bounded
// set rebuilt on cadence and cached".
const DefaultFrequencySnapshotLimit = 100

type (
	// FrequencySnapshot is the most recently computed tag/dimension
	// frequency aggregate over PENDING requests, bounded and replaced
	// wholesale on every tick.
	FrequencySnapshot struct {
		Tags       []FrequencyEntry
		Dimensions []FrequencyEntry
		ComputedTS time.Time
	}

	// FrequencyEntry is one "k" or "k:v" value and its occurrence count.
	FrequencyEntry struct {
		Key   string
		Count int
	}

	// pruner is implemented by dedup.Cache backends that need an
	// explicit sweep to reclaim expired entries (dedup.MemoryCache);
	// dedup.RedisCache relies on Redis's own key expiry and does not
	// implement it.
	pruner interface {
		Prune(now time.Time) int
	}

	// Sweeper runs the Lifecycle Timer's tick.
	Sweeper struct {
		requests store.RequestStore
		runs     store.RunStore
		bots     store.BotStore
		registry botregistry.Registry
		index    *dimindex.Index
		dedup    dedup.Cache

		interval          time.Duration
		scanPageSize      int
		snapshotLimit     int
		logger            telemetry.Logger
		metrics           telemetry.Metrics
		now               func() time.Time

		mu       sync.RWMutex
		snapshot FrequencySnapshot

		runMu  sync.Mutex
		ticker *pool.Ticker
		cancel context.CancelFunc
	}

	// Option configures a Sweeper constructed by New.
	Option func(*Sweeper)
)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithScanPageSize overrides DefaultScanPageSize.
func WithScanPageSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.scanPageSize = n
		}
	}
}

// WithFrequencySnapshotLimit overrides DefaultFrequencySnapshotLimit.
func WithFrequencySnapshotLimit(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.snapshotLimit = n
		}
	}
}

// WithLogger sets the sweeper's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithMetrics sets the sweeper's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// withNow overrides the sweeper's clock; used by tests only.
func withNow(fn func() time.Time) Option {
	return func(s *Sweeper) { s.now = fn }
}

// New constructs a Sweeper. index and dedup are the same instances the
// Scheduler is wired against, so expiry and dedup pruning stay
// consistent with the claim path.
func New(requests store.RequestStore, runs store.RunStore, bots store.BotStore, registry botregistry.Registry, index *dimindex.Index, dc dedup.Cache, opts ...Option) *Sweeper {
	s := &Sweeper{
		requests:      requests,
		runs:          runs,
		bots:          bots,
		registry:      registry,
		index:         index,
		dedup:         dc,
		interval:      DefaultInterval,
		scanPageSize:  DefaultScanPageSize,
		snapshotLimit: DefaultFrequencySnapshotLimit,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the distributed tick against node and runs one Sweep per
// tick until Stop is called. Only one node in node's pool actually
// receives ticks at a time.
func (s *Sweeper) Start(ctx context.Context, node *pool.Node) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.ticker != nil {
		return fmt.Errorf("lifecycle: sweeper already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ticker, err := node.NewTicker(loopCtx, "lifecycle:tick", s.interval)
	if err != nil {
		cancel()
		return fmt.Errorf("lifecycle: create distributed ticker: %w", err)
	}
	s.ticker = ticker
	s.cancel = cancel
	go s.run(loopCtx, ticker)
	return nil
}

// Stop closes this node's participation in the distributed ticker
// without deleting the shared ticker entry other nodes may still rely
// on, matching the teacher's health-tracker shutdown discipline.
func (s *Sweeper) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.ticker != nil {
		s.ticker.Close()
		s.ticker = nil
	}
}

func (s *Sweeper) run(ctx context.Context, ticker *pool.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Snapshot returns the most recently computed frequency snapshot.
func (s *Sweeper) Snapshot() FrequencySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Sweep runs one full tick's four phases in the order spec.md §4.8
// lists them: expire, detect bot death, prune dedup, snapshot
// frequencies. A failure in one phase is logged but never blocks the
// next; each phase owns its own errors.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired := s.expireOverduePending(ctx)
	died := s.detectBotDeaths(ctx)
	pruned := s.pruneDedup(ctx)
	s.snapshotFrequencies(ctx)

	s.metrics.IncCounter("lifecycle.sweep", 1)
	s.logger.Info(ctx, "lifecycle sweep complete",
		"expired", expired, "bot_died", died, "dedup_pruned", pruned)
}

// expireOverduePending transitions every PENDING request whose
// ExpirationAt has passed to EXPIRED, removing it from the Dimension
// Index so no future claim can race it.
func (s *Sweeper) expireOverduePending(ctx context.Context) int {
	now := s.now()
	pending := task.StatePending
	count := 0
	cursor := ""
	for {
		page, err := s.requests.ListRequests(ctx, store.RequestFilter{
			State:  &pending,
			Sort:   store.SortByCreated,
			Cursor: cursor,
			Limit:  s.scanPageSize,
		})
		if err != nil {
			s.logger.Warn(ctx, "lifecycle: scan pending for expiry failed", "err", err)
			return count
		}
		for _, req := range page.Items {
			if req.ExpirationAt.IsZero() || !now.After(req.ExpirationAt) {
				continue
			}
			if s.expireOne(ctx, req, now) {
				count++
			}
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}
	return count
}

func (s *Sweeper) expireOne(ctx context.Context, req *task.TaskRequest, now time.Time) bool {
	summary, err := s.requests.GetSummary(ctx, req.ID)
	if err != nil {
		s.logger.Warn(ctx, "lifecycle: load summary for expiry failed", "request_id", req.ID, "err", err)
		return false
	}
	if summary.State != task.StatePending {
		// Claimed or canceled since the scan page was read.
		s.removeFromIndex(req)
		return false
	}
	summary.State = task.StateExpired
	summary.ModifiedTS = now
	summary.CompletedTS = now
	if err := s.requests.SaveSummary(ctx, summary, summary.Version); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Warn(ctx, "lifecycle: save expired summary failed", "request_id", req.ID, "err", err)
		}
		return false
	}
	s.removeFromIndex(req)
	return true
}

func (s *Sweeper) removeFromIndex(req *task.TaskRequest) {
	if req.IsTermination() {
		s.index.Remove("terminate:"+req.Properties.Dimensions[task.TerminationDimensionKey][0], req.ID)
		return
	}
	s.index.Remove(req.PoolFingerprint, req.ID)
}

// detectBotDeaths pages every RUNNING request and checks its bot's
// liveness via the Bot Registry. A dead bot's run transitions to
// BOT_DIED; per the state DAG that edge retries to PENDING try_number
// 2 exactly once, then the second death is terminal.
func (s *Sweeper) detectBotDeaths(ctx context.Context) int {
	running := task.StateRunning
	count := 0
	cursor := ""
	for {
		page, err := s.requests.ListRequests(ctx, store.RequestFilter{
			State:  &running,
			Sort:   store.SortByCreated,
			Cursor: cursor,
			Limit:  s.scanPageSize,
		})
		if err != nil {
			s.logger.Warn(ctx, "lifecycle: scan running for bot death failed", "err", err)
			return count
		}
		for _, req := range page.Items {
			if s.handleIfBotDead(ctx, req) {
				count++
			}
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}
	return count
}

func (s *Sweeper) handleIfBotDead(ctx context.Context, req *task.TaskRequest) bool {
	summary, err := s.requests.GetSummary(ctx, req.ID)
	if err != nil || summary.State != task.StateRunning {
		return false
	}
	bot, err := s.registry.Get(ctx, summary.BotID)
	if err != nil {
		// Bot record gone entirely: treat as dead.
		bot = nil
	}
	if bot != nil && s.registry.IsAlive(bot) {
		return false
	}

	runID, ok := summary.CurrentRun()
	if !ok {
		return false
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		s.logger.Warn(ctx, "lifecycle: load run for bot death failed", "request_id", req.ID, "err", err)
		return false
	}

	now := s.now()
	run.State = task.StateBotDied
	run.CompletedTS = now
	run.ModifiedTS = now
	if err := s.runs.SaveRun(ctx, run, run.Version); err != nil {
		s.logger.Warn(ctx, "lifecycle: save bot-died run failed", "request_id", req.ID, "err", err)
		return false
	}

	summary.ModifiedTS = now
	if summary.TryNumber < 2 {
		// First death: requeue for exactly one retry.
		summary.State = task.StatePending
		summary.BotID = ""
		if err := s.requests.SaveSummary(ctx, summary, summary.Version); err != nil {
			s.logger.Warn(ctx, "lifecycle: requeue after bot death failed", "request_id", req.ID, "err", err)
			return false
		}
		s.index.Insert(req.PoolFingerprint, dimindex.Entry{
			RequestID:  req.ID,
			Priority:   req.Priority,
			CreatedTS:  req.CreatedTS.UnixNano(),
			Dimensions: req.Properties.Dimensions,
		})
	} else {
		summary.State = task.StateBotDied
		summary.CompletedTS = now
		if err := s.requests.SaveSummary(ctx, summary, summary.Version); err != nil {
			s.logger.Warn(ctx, "lifecycle: finalize second bot death failed", "request_id", req.ID, "err", err)
			return false
		}
	}

	if bot != nil {
		bot.CurrentTaskID = 0
		if err := s.bots.SaveBot(ctx, bot); err != nil {
			s.logger.Warn(ctx, "lifecycle: release dead bot failed", "bot_id", summary.BotID, "err", err)
		}
	}
	s.metrics.IncCounter("lifecycle.bot_died", 1)
	return true
}

// pruneDedup reclaims expired Dedup Cache entries when the backing
// cache needs it done explicitly (dedup.MemoryCache); a no-op for
// dedup.RedisCache, which expires keys itself.
func (s *Sweeper) pruneDedup(ctx context.Context) int {
	p, ok := s.dedup.(pruner)
	if !ok {
		return 0
	}
	n := p.Prune(s.now())
	if n > 0 {
		s.logger.Info(ctx, "lifecycle: pruned expired dedup entries", "count", n)
	}
	return n
}

// snapshotFrequencies rebuilds the bounded tag/dimension frequency
// snapshot from currently PENDING requests.
func (s *Sweeper) snapshotFrequencies(ctx context.Context) {
	pending := task.StatePending
	tagCounts := make(map[string]int)
	dimCounts := make(map[string]int)
	cursor := ""
	for {
		page, err := s.requests.ListRequests(ctx, store.RequestFilter{
			State:  &pending,
			Sort:   store.SortByCreated,
			Cursor: cursor,
			Limit:  s.scanPageSize,
		})
		if err != nil {
			s.logger.Warn(ctx, "lifecycle: scan pending for frequency snapshot failed", "err", err)
			return
		}
		for _, req := range page.Items {
			for _, tag := range req.Tags {
				tagCounts[tag]++
			}
			for k, values := range req.Properties.Dimensions {
				for _, v := range values {
					dimCounts[k+":"+v]++
				}
			}
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	snapshot := FrequencySnapshot{
		Tags:       topN(tagCounts, s.snapshotLimit),
		Dimensions: topN(dimCounts, s.snapshotLimit),
		ComputedTS: s.now(),
	}

	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
}

func topN(counts map[string]int, n int) []FrequencyEntry {
	entries := make([]FrequencyEntry, 0, len(counts))
	for k, c := range counts {
		entries = append(entries, FrequencyEntry{Key: k, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
