// Package scheduler implements the Scheduler (spec.md §4.5): the
// matching loop that ties the Request Store, Dimension Index, Dedup
// Cache, and Bot Registry together into schedule/bot_claim/bot_update/
// cancel operations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"swarm.dev/core/dedup"
	"swarm.dev/core/dimindex"
	"swarm.dev/core/idgen"
	"swarm.dev/core/idpack"
	"swarm.dev/core/store"
	"swarm.dev/core/task"
	"swarm.dev/core/telemetry"
)

// MaxClaimRetries bounds how many losing candidates bot_claim tries
// before giving up and returning NO_TASK, per spec.md §4.5 step 3
// ("bounded retries, e.g. 5").
const MaxClaimRetries = 5

// Cmd is the command a bot poll response carries, per spec.md §6.
type Cmd string

const (
	CmdSleep     Cmd = "sleep"
	CmdRun       Cmd = "run"
	CmdTerminate Cmd = "terminate"
	CmdRestart   Cmd = "restart"
	CmdUpdate    Cmd = "update"
)

// ClaimResult is the Scheduler's answer to a bot poll.
type ClaimResult struct {
	Cmd Cmd

	// SleepDuration is set when Cmd == CmdSleep.
	SleepDuration time.Duration

	// Manifest is set when Cmd == CmdRun.
	Manifest *Manifest

	// UpdateVersion is set when Cmd == CmdUpdate.
	UpdateVersion string
}

// Manifest is everything a bot needs to execute a claimed task.
type Manifest struct {
	TaskID         string
	Command        []string
	Env            map[string]string
	CASInputRoot   string
	HardTimeout    time.Duration
	IOTimeout      time.Duration
	GracePeriod    time.Duration
	SecretBytesRef string
}

// UpdateInput is one bot task-update RPC body, per spec.md §6.
type UpdateInput struct {
	RunID            task.RunID
	CommandIndex     int
	CostUSD          float64
	Output           []byte
	OutputChunkStart int64
	HasOutput        bool
	ExitCode         int32
	HasExit          bool
	Duration         time.Duration
	HardTimeoutFlag  bool
	IOTimeoutFlag    bool
}

// UpdateResult is the scheduler's answer to a bot task-update RPC.
type UpdateResult struct {
	// MustStop signals the bot to kill the child process: either a
	// cancel(kill_running=true) is pending, or the run no longer exists
	// from the scheduler's point of view.
	MustStop bool
	OK       bool
}

// CancelResult is the scheduler's answer to a cancel RPC.
type CancelResult struct {
	Accepted   bool
	WasRunning bool
}

type (
	// Option configures a Scheduler constructed by New.
	Option func(*options)

	options struct {
		dedupTTL     time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		now          func() time.Time
	}

	// Scheduler implements spec.md §4.5's schedule/bot_claim/bot_update/
	// cancel operations against a RequestStore+RunStore+BotStore, a
	// dimindex.Index, and a dedup.Cache.
	Scheduler struct {
		requests store.RequestStore
		runs     store.RunStore
		bots     store.BotStore
		index    *dimindex.Index
		dedup    dedup.Cache
		ids      *idgen.Generator

		dedupTTL time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		now      func() time.Time
	}
)

// WithDedupTTL sets the retention TTL recorded against successful
// idempotent completions. Per DESIGN.md's Open Question resolution,
// there is no implicit default: the TTL is zero unless set. With a zero
// TTL, MemoryCache entries expire as soon as they are recorded, while
// RedisCache stores them with no expiry.
func WithDedupTTL(d time.Duration) Option {
	return func(o *options) { o.dedupTTL = d }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the scheduler's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the scheduler's tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// withNow overrides the scheduler's clock; used by tests only.
func withNow(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// New constructs a Scheduler.
func New(requests store.RequestStore, runs store.RunStore, bots store.BotStore, index *dimindex.Index, dc dedup.Cache, ids *idgen.Generator, opts ...Option) *Scheduler {
	o := &options{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Scheduler{
		requests: requests,
		runs:     runs,
		bots:     bots,
		index:    index,
		dedup:    dc,
		ids:      ids,
		dedupTTL: o.dedupTTL,
		logger:   o.logger,
		metrics:  o.metrics,
		tracer:   o.tracer,
		now:      o.now,
	}
}

// Schedule implements spec.md §4.5's `schedule(request) → summary`:
// assigns a request ID, consults the Dedup Cache for idempotent hits,
// and otherwise publishes the request as pending to the Dimension Index.
//
// Priority 0 is reserved for single-bot admin requests (termination and
// restart); Schedule rejects any client-submitted request at that
// priority with CodeInvalidArgument. ScheduleTermination and
// ScheduleRestart are the only way to create one.
func (s *Scheduler) Schedule(ctx context.Context, req *task.TaskRequest) (*task.TaskResultSummary, error) {
	if req.Priority == 0 {
		return nil, task.Errorf(task.CodeInvalidArgument, "schedule: priority 0 is reserved for bot-termination and bot-restart requests")
	}
	return s.schedule(ctx, req)
}

// ScheduleTermination creates and schedules the priority-0 request that
// terminates botID: the bot's next poll gets {cmd: "terminate"} ahead of
// any ordinary work, per spec.md §4.5's "Termination task".
func (s *Scheduler) ScheduleTermination(ctx context.Context, botID string) (*task.TaskResultSummary, error) {
	return s.scheduleAdminCommand(ctx, botID, "terminate")
}

// ScheduleRestart creates and schedules the priority-0 request that
// restarts botID: the bot's next poll gets {cmd: "restart"} ahead of any
// ordinary work.
func (s *Scheduler) ScheduleRestart(ctx context.Context, botID string) (*task.TaskResultSummary, error) {
	return s.scheduleAdminCommand(ctx, botID, "restart")
}

func (s *Scheduler) scheduleAdminCommand(ctx context.Context, botID, cmd string) (*task.TaskResultSummary, error) {
	dims := task.Dimensions{task.TerminationDimensionKey: {botID}}
	if cmd == "restart" {
		dims[task.AdminCommandDimensionKey] = []string{"restart"}
	}
	req := &task.TaskRequest{
		Properties: task.TaskProperties{Dimensions: dims},
		Priority:   0,
	}
	return s.schedule(ctx, req)
}

// schedule is Schedule's body, shared with scheduleAdminCommand so the
// internal admin path bypasses the public priority-0 guard.
func (s *Scheduler) schedule(ctx context.Context, req *task.TaskRequest) (*task.TaskResultSummary, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.schedule")
	defer span.End()

	id, err := s.ids.Next(s.now())
	if err != nil {
		return nil, task.NewError(task.CodeInternal, "generate request id", err)
	}
	req.ID = id
	req.CreatedTS = s.now()
	req.PoolFingerprint = req.Properties.Dimensions.Pool()

	summary := &task.TaskResultSummary{
		RequestID: req.ID,
		State:     task.StatePending,
		CreatedTS: req.CreatedTS,
		ModifiedTS: req.CreatedTS,
		Version:   0,
	}

	if req.Properties.Idempotent {
		if entry, ok, err := s.dedup.Lookup(ctx, req.PropertiesHash); err != nil {
			s.logger.Warn(ctx, "dedup lookup failed", "request_id", req.ID, "err", err)
		} else if ok {
			summary.State = task.StateCompleted
			summary.DedupedFrom = &entry.RunRef
			summary.CompletedTS = s.now()
			summary.ExitCode = entry.ExitCode
			summary.HasExit = true
			if err := s.requests.CreateRequest(ctx, req, summary); err != nil {
				return nil, task.NewError(task.CodeInternal, "create deduped request", err)
			}
			s.metrics.IncCounter("scheduler.dedup_hit", 1)
			return summary, nil
		}
	}

	if err := s.requests.CreateRequest(ctx, req, summary); err != nil {
		return nil, task.NewError(task.CodeInternal, "create request", err)
	}

	if !req.IsTermination() {
		s.index.Insert(req.PoolFingerprint, dimindex.Entry{
			RequestID:  req.ID,
			Priority:   req.Priority,
			CreatedTS:  req.CreatedTS.UnixNano(),
			Dimensions: req.Properties.Dimensions,
		})
	} else {
		// Termination tasks target exactly one bot; index them under a
		// synthetic pool keyed by the target bot ID so only that bot's
		// poll can ever match (dimensions = {id: bot_id}).
		s.index.Insert(terminationPoolKey(req.Properties.Dimensions[task.TerminationDimensionKey][0]), dimindex.Entry{
			RequestID:  req.ID,
			Priority:   req.Priority,
			CreatedTS:  req.CreatedTS.UnixNano(),
			Dimensions: req.Properties.Dimensions,
		})
	}

	s.metrics.IncCounter("scheduler.scheduled", 1)
	return summary, nil
}

func terminationPoolKey(botID string) string {
	return "terminate:" + botID
}

// BotClaim implements spec.md §4.5's claim algorithm.
func (s *Scheduler) BotClaim(ctx context.Context, bot *task.BotInfo, dims task.Dimensions) (*ClaimResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.claim")
	defer span.End()

	// Step 1: fast-path rejection.
	if bot.Quarantined || dims.Pool() == "" {
		return &ClaimResult{Cmd: CmdSleep}, nil
	}

	// A termination or restart task for this bot always wins over ordinary
	// work. Its pool is already sharded per bot ID, so the match dimensions
	// are the synthetic {id: bot_id} key (plus the admin_cmd: restart key a
	// restart task also requires), not the bot's advertised dimensions.
	terminationDims := task.Dimensions{task.TerminationDimensionKey: {bot.BotID}, task.AdminCommandDimensionKey: {"restart"}}
	if claimed, ok, err := s.tryClaimFromPool(ctx, terminationPoolKey(bot.BotID), bot, terminationDims, nil); err != nil {
		return nil, err
	} else if ok {
		return claimed, nil
	}

	excluded := make(map[int64]struct{})
	result, err := s.claimWithRetry(ctx, bot, dims, excluded)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Scheduler) claimWithRetry(ctx context.Context, bot *task.BotInfo, dims task.Dimensions, excluded map[int64]struct{}) (*ClaimResult, error) {
	poolKey := dims.Pool()
	var result *ClaimResult

	op := func() error {
		entry, ok := s.index.ClaimExcluding(poolKey, dims, excluded)
		if !ok {
			result = &ClaimResult{Cmd: CmdSleep}
			return nil
		}
		claimed, won, err := s.tryClaim(ctx, poolKey, entry, bot)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !won {
			// Lost the optimistic race; exclude this candidate and retry
			// against the next one.
			excluded[entry.RequestID] = struct{}{}
			return fmt.Errorf("lost claim race for request %d", entry.RequestID)
		}
		result = claimed
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), MaxClaimRetries)
	if err := backoff.Retry(op, b); err != nil {
		var perm *task.Error
		if errors.As(err, &perm) {
			return nil, err
		}
		// Retries exhausted losing every candidate: NO_TASK, not an error.
		s.metrics.IncCounter("scheduler.claim_exhausted", 1)
		return &ClaimResult{Cmd: CmdSleep}, nil
	}
	return result, nil
}

func (s *Scheduler) tryClaimFromPool(ctx context.Context, poolKey string, bot *task.BotInfo, dims task.Dimensions, excluded map[int64]struct{}) (*ClaimResult, bool, error) {
	entry, ok := s.index.ClaimExcluding(poolKey, dims, excluded)
	if !ok {
		return nil, false, nil
	}
	claimed, won, err := s.tryClaim(ctx, poolKey, entry, bot)
	if err != nil {
		return nil, false, err
	}
	if !won {
		return nil, false, nil
	}
	return claimed, true, nil
}

// tryClaim attempts the atomic PENDING->RUNNING transition for entry. won
// is false (with no error) when the optimistic version check lost the
// race, so the caller should try the next candidate.
func (s *Scheduler) tryClaim(ctx context.Context, poolKey string, entry dimindex.Entry, bot *task.BotInfo) (*ClaimResult, bool, error) {
	summary, err := s.requests.GetSummary(ctx, entry.RequestID)
	if err != nil {
		// Request vanished (shouldn't happen, but never blocks other
		// candidates): drop it from the index and report a lost race.
		s.index.Remove(poolKey, entry.RequestID)
		return nil, false, nil
	}
	if summary.State != task.StatePending {
		s.index.Remove(poolKey, entry.RequestID)
		return nil, false, nil
	}

	req, err := s.requests.GetRequest(ctx, entry.RequestID)
	if err != nil {
		return nil, false, task.NewError(task.CodeInternal, "load request for claim", err)
	}

	now := s.now()
	tryNumber := summary.TryNumber + 1
	expectedVersion := summary.Version

	summary.State = task.StateRunning
	summary.TryNumber = tryNumber
	summary.StartedTS = now
	summary.ModifiedTS = now
	summary.BotID = bot.BotID

	if err := s.requests.SaveSummary(ctx, summary, expectedVersion); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, false, nil
		}
		return nil, false, task.NewError(task.CodeInternal, "save claimed summary", err)
	}

	run := &task.TaskRunResult{
		RequestID:  entry.RequestID,
		TryNumber:  tryNumber,
		BotID:      bot.BotID,
		State:      task.StateRunning,
		StartedTS:  now,
		ModifiedTS: now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, false, task.NewError(task.CodeInternal, "create run", err)
	}

	s.index.Remove(poolKey, entry.RequestID)

	bot.CurrentTaskID = entry.RequestID
	if err := s.bots.SaveBot(ctx, bot); err != nil {
		s.logger.Warn(ctx, "save bot after claim failed", "bot_id", bot.BotID, "err", err)
	}
	if err := s.bots.AppendEvent(ctx, task.BotEvent{
		BotID:  bot.BotID,
		TS:     now,
		Kind:   task.BotEventClaim,
		TaskID: entry.RequestID,
	}); err != nil {
		s.logger.Warn(ctx, "append claim event failed", "bot_id", bot.BotID, "err", err)
	}

	s.metrics.IncCounter("scheduler.claimed", 1)

	if req.IsTermination() {
		if req.AdminCommand() == "restart" {
			return &ClaimResult{Cmd: CmdRestart}, true, nil
		}
		return &ClaimResult{Cmd: CmdTerminate}, true, nil
	}

	return &ClaimResult{
		Cmd: CmdRun,
		Manifest: &Manifest{
			TaskID:         idpack.PackRun(entry.RequestID, tryNumber),
			Command:        req.Properties.Command,
			Env:            req.Properties.Env,
			CASInputRoot:   req.Properties.CASInputRoot,
			HardTimeout:    req.Properties.HardTimeout,
			IOTimeout:      req.Properties.IOTimeout,
			GracePeriod:    req.Properties.GracePeriod,
			SecretBytesRef: req.Properties.SecretBytesRef,
		},
	}, true, nil
}

// BotUpdate implements spec.md §4.5's bot-update contract: idempotent
// output appends, intermediate vs. final updates, and the cooperative
// kill signal.
func (s *Scheduler) BotUpdate(ctx context.Context, in UpdateInput) (*UpdateResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.bot_update")
	defer span.End()

	run, err := s.runs.GetRun(ctx, in.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &UpdateResult{MustStop: true, OK: false}, nil
		}
		return nil, task.NewError(task.CodeInternal, "load run for update", err)
	}

	summary, err := s.requests.GetSummary(ctx, in.RunID.RequestID)
	if err != nil {
		return nil, task.NewError(task.CodeInternal, "load summary for update", err)
	}

	if in.HasOutput {
		if err := s.runs.AppendOutputChunk(ctx, in.RunID, in.OutputChunkStart, in.Output); err != nil {
			var rejected *store.OutputChunkRejected
			if errors.As(err, &rejected) {
				return nil, task.NewError(task.CodeInvalidArgument, "output chunk rejected", err)
			}
			return nil, task.NewError(task.CodeInternal, "append output chunk", err)
		}
		run.OutputSize = in.OutputChunkStart + int64(len(in.Output))
	}

	now := s.now()
	run.CostUSD = in.CostUSD
	run.ModifiedTS = now
	run.HardTimeoutFlag = run.HardTimeoutFlag || in.HardTimeoutFlag
	run.IOTimeoutFlag = run.IOTimeoutFlag || in.IOTimeoutFlag

	summary.ModifiedTS = now
	summary.OutputSize = run.OutputSize

	final := in.HasExit
	mustStop := summary.Killing

	if final {
		run.ExitCode = in.ExitCode
		run.HasExit = true
		run.CompletedTS = now
		switch {
		case in.HardTimeoutFlag || in.IOTimeoutFlag:
			run.State = task.StateTimedOut
			summary.State = task.StateTimedOut
		case summary.Killing:
			run.State = task.StateKilled
			summary.State = task.StateKilled
		default:
			run.State = task.StateCompleted
			summary.State = task.StateCompleted
		}
		summary.CompletedTS = now
		summary.ExitCode = in.ExitCode
		summary.HasExit = true

		if err := s.finalizeRun(ctx, run, summary); err != nil {
			return nil, err
		}
		return &UpdateResult{MustStop: mustStop, OK: true}, nil
	}

	if err := s.runs.SaveRun(ctx, run, run.Version); err != nil {
		return nil, task.NewError(task.CodeInternal, "save run", err)
	}
	if err := s.requests.SaveSummary(ctx, summary, summary.Version); err != nil {
		return nil, task.NewError(task.CodeInternal, "save summary", err)
	}

	return &UpdateResult{MustStop: mustStop, OK: true}, nil
}

// finalizeRun persists a run's and summary's terminal state, releases the
// bot, and populates the Dedup Cache when the completion is idempotent
// and successful.
func (s *Scheduler) finalizeRun(ctx context.Context, run *task.TaskRunResult, summary *task.TaskResultSummary) error {
	if err := s.runs.SaveRun(ctx, run, run.Version); err != nil {
		return task.NewError(task.CodeInternal, "save finalized run", err)
	}
	if err := s.requests.SaveSummary(ctx, summary, summary.Version); err != nil {
		return task.NewError(task.CodeInternal, "save finalized summary", err)
	}

	bot, err := s.bots.GetBot(ctx, run.BotID)
	if err == nil {
		bot.CurrentTaskID = 0
		if err := s.bots.SaveBot(ctx, bot); err != nil {
			s.logger.Warn(ctx, "release bot after completion failed", "bot_id", run.BotID, "err", err)
		}
		if err := s.bots.AppendEvent(ctx, task.BotEvent{
			BotID:  run.BotID,
			TS:     s.now(),
			Kind:   task.BotEventCompletion,
			TaskID: run.RequestID,
		}); err != nil {
			s.logger.Warn(ctx, "append completion event failed", "bot_id", run.BotID, "err", err)
		}
	}

	req, err := s.requests.GetRequest(ctx, run.RequestID)
	if err == nil && req.Properties.Idempotent && summary.State == task.StateCompleted && summary.ExitCode == 0 {
		entry := task.DedupEntry{
			PropertiesHash: req.PropertiesHash,
			RunRef:         task.RunID{RequestID: run.RequestID, TryNumber: run.TryNumber},
			CompletedTS:    summary.CompletedTS,
			ExitCode:       summary.ExitCode,
		}
		if err := s.dedup.Record(ctx, entry, s.dedupTTL); err != nil {
			s.logger.Warn(ctx, "record dedup entry failed", "request_id", run.RequestID, "err", err)
		}
	}

	s.metrics.IncCounter("scheduler.completed", 1, "state", summary.State.String())
	return nil
}

// Cancel implements spec.md §4.5's cancellation contract.
func (s *Scheduler) Cancel(ctx context.Context, requestID int64, killRunning bool) (*CancelResult, error) {
	summary, err := s.requests.GetSummary(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, task.NewError(task.CodeNotFound, "cancel: unknown request", err)
		}
		return nil, task.NewError(task.CodeInternal, "cancel: load summary", err)
	}

	switch summary.State {
	case task.StatePending:
		req, err := s.requests.GetRequest(ctx, requestID)
		if err != nil {
			return nil, task.NewError(task.CodeInternal, "cancel: load request", err)
		}
		summary.State = task.StateCanceled
		summary.ModifiedTS = s.now()
		summary.CompletedTS = summary.ModifiedTS
		if err := s.requests.SaveSummary(ctx, summary, summary.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return s.Cancel(ctx, requestID, killRunning)
			}
			return nil, task.NewError(task.CodeInternal, "cancel: save summary", err)
		}
		poolKey := req.PoolFingerprint
		if req.IsTermination() {
			poolKey = terminationPoolKey(req.Properties.Dimensions[task.TerminationDimensionKey][0])
		}
		s.index.Remove(poolKey, requestID)
		return &CancelResult{Accepted: true, WasRunning: false}, nil

	case task.StateRunning:
		if !killRunning {
			return &CancelResult{Accepted: false, WasRunning: true}, nil
		}
		summary.Killing = true
		summary.ModifiedTS = s.now()
		if err := s.requests.SaveSummary(ctx, summary, summary.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return s.Cancel(ctx, requestID, killRunning)
			}
			return nil, task.NewError(task.CodeInternal, "cancel: mark killing", err)
		}
		return &CancelResult{Accepted: true, WasRunning: true}, nil

	default:
		// Already terminal: nothing to do, but not an error.
		return &CancelResult{Accepted: false, WasRunning: false}, nil
	}
}
