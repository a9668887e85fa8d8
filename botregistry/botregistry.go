// Package botregistry implements the Bot Registry (spec.md §4.6):
// handshake/poll session tracking, quarantine-not-reject handling for
// missing required dimensions, soft deletion that preserves BotEvent
// history, and dimension-filtered paginated bot queries with
// availability facet counts. Version-mismatch handling is not a
// quarantine: it's surfaced through ExpectedVersion for
// core.Service.BotPoll to answer with {cmd: "update"}.
//
// Presence itself is just a store.BotStore — memory, mongo, or the
// cluster-wide store/replicated map — so this package has no storage opinion of its own; it only
// adds the policy layer spec.md describes on top of whatever BotStore
// it's given.
package botregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"swarm.dev/core/store"
	"swarm.dev/core/task"
	"swarm.dev/core/telemetry"
)

type (
	// Scheduler is the subset of *scheduler.Scheduler's surface the
	// registry needs to mint the priority-0 admin requests Terminate and
	// Restart create. Declared here rather than imported to keep
	// botregistry from depending on the scheduler package's full surface.
	Scheduler interface {
		ScheduleTermination(ctx context.Context, botID string) (*task.TaskResultSummary, error)
		ScheduleRestart(ctx context.Context, botID string) (*task.TaskResultSummary, error)
	}

	// Registry is the Bot Registry's service interface.
	Registry interface {
		// Handshake establishes a bot's session, creating its BotInfo if
		// this is the first time botID has been seen. It applies the same
		// quarantine policy as Poll.
		Handshake(ctx context.Context, botID string, dims task.Dimensions, state json.RawMessage, reportedVersion string) (*task.BotInfo, error)

		// Poll updates last_seen_ts, dimensions_flat, state, and
		// quarantined for botID, creating its BotInfo if botID is unknown,
		// and records reportedVersion as its version when non-empty. Missing
		// required dimensions quarantine the bot rather than rejecting the
		// poll; a version mismatch does not quarantine — core.Service.BotPoll
		// checks ExpectedVersion itself and answers with {cmd: "update"}
		// instead of handing the bot work.
		Poll(ctx context.Context, botID string, dims task.Dimensions, state json.RawMessage, reportedVersion string) (*task.BotInfo, error)

		// Delete soft-deletes botID: BotInfo is removed but its BotEvent
		// history is retained.
		Delete(ctx context.Context, botID string) error

		// Get returns the current BotInfo for botID.
		Get(ctx context.Context, botID string) (*task.BotInfo, error)

		// List returns BotInfo records matching filter.
		List(ctx context.Context, filter store.BotFilter) (store.Page[*task.BotInfo], error)

		// CountFacets returns availability facet counts for bots matching
		// filter, including Dead, which the underlying store cannot
		// compute on its own since it has no notion of "now".
		CountFacets(ctx context.Context, filter store.BotFilter) (store.BotFacetCounts, error)

		// IsAlive reports whether bot has been seen within the configured
		// death timeout.
		IsAlive(bot *task.BotInfo) bool

		// Events returns the most recent limit BotEvents for botID, most
		// recent first.
		Events(ctx context.Context, botID string, limit int) ([]task.BotEvent, error)

		// ExpectedVersion returns the bot-group's expected software
		// version, or "" if the group doesn't enforce one.
		ExpectedVersion() string

		// Terminate mints and schedules the priority-0 request that
		// directs botID's next poll to {cmd: "terminate"}. This is the
		// only path by which a termination request reaches the scheduler;
		// scheduler.Schedule rejects every other priority-0 submission.
		Terminate(ctx context.Context, botID string) (*task.TaskResultSummary, error)

		// Restart mints and schedules the priority-0 request that directs
		// botID's next poll to {cmd: "restart"}.
		Restart(ctx context.Context, botID string) (*task.TaskResultSummary, error)
	}

	// GroupConfig is the resolved bot-group configuration the registry
	// checks every poll against. Ingesting this from an external config
	// system is explicitly out of scope (spec.md §1); callers supply the
	// resolved snapshot.
	GroupConfig struct {
		// RequiredDimensions lists dimension keys every bot in this group
		// must advertise (e.g. "pool"). A bot missing any of these is
		// quarantined, never rejected.
		RequiredDimensions []string

		// ExpectedVersion is the bot software version the group expects.
		// A bot reporting a different non-empty version is not quarantined
		// — core.Service.BotPoll answers its poll with {cmd: "update"}
		// instead of a claim attempt. An empty ExpectedVersion disables
		// the check.
		ExpectedVersion string
	}

	// Option configures a Registry constructed by New.
	Option func(*options)

	options struct {
		deathTimeout time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		now          func() time.Time
		sched        Scheduler
	}

	registry struct {
		store        store.BotStore
		group        GroupConfig
		deathTimeout time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		now          func() time.Time
		sched        Scheduler
	}
)

// DefaultDeathTimeout is used when WithDeathTimeout is not supplied,
// matching spec.md's bot_death_timeout_secs default expectation of a few
// missed polls at a typical ~30s poll interval.
const DefaultDeathTimeout = 2 * time.Minute

// WithDeathTimeout sets the duration after which a bot that hasn't
// polled is considered dead.
func WithDeathTimeout(d time.Duration) Option {
	return func(o *options) { o.deathTimeout = d }
}

// WithLogger sets the registry's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the registry's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithScheduler wires the Scheduler Terminate and Restart mint their
// priority-0 requests against. Without it, Terminate and Restart return
// CodeFailedPrecondition.
func WithScheduler(sched Scheduler) Option {
	return func(o *options) { o.sched = sched }
}

// withNow overrides the registry's clock; used by tests only.
func withNow(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// New constructs a Registry backed by bs, applying group as the bot-group
// policy every Handshake/Poll call is checked against.
func New(bs store.BotStore, group GroupConfig, opts ...Option) Registry {
	o := &options{
		deathTimeout: DefaultDeathTimeout,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &registry{
		store:        bs,
		group:        group,
		deathTimeout: o.deathTimeout,
		logger:       o.logger,
		metrics:      o.metrics,
		now:          o.now,
		sched:        o.sched,
	}
}

func (r *registry) Handshake(ctx context.Context, botID string, dims task.Dimensions, state json.RawMessage, reportedVersion string) (*task.BotInfo, error) {
	bot, err := r.store.GetBot(ctx, botID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("handshake: lookup %s: %w", botID, err)
	}
	if bot == nil {
		bot = &task.BotInfo{BotID: botID}
	}
	bot.Deleted = false
	if err := r.applyPoll(ctx, bot, dims, state, reportedVersion); err != nil {
		return nil, err
	}
	if err := r.appendEvent(ctx, botID, task.BotEventPoll, 0, "handshake"); err != nil {
		r.logger.Warn(ctx, "append handshake event failed", "bot_id", botID, "err", err)
	}
	r.metrics.IncCounter("botregistry.handshake", 1, "bot_id", botID)
	return bot, nil
}

func (r *registry) Poll(ctx context.Context, botID string, dims task.Dimensions, state json.RawMessage, reportedVersion string) (*task.BotInfo, error) {
	bot, err := r.store.GetBot(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		bot = &task.BotInfo{BotID: botID}
	} else if err != nil {
		return nil, fmt.Errorf("poll: lookup %s: %w", botID, err)
	}
	wasQuarantined := bot.Quarantined
	if err := r.applyPoll(ctx, bot, dims, state, reportedVersion); err != nil {
		return nil, err
	}
	if bot.Quarantined && !wasQuarantined {
		if err := r.appendEvent(ctx, botID, task.BotEventQuarantine, 0, bot.QuarantineReason); err != nil {
			r.logger.Warn(ctx, "append quarantine event failed", "bot_id", botID, "err", err)
		}
	}
	return bot, nil
}

// applyPoll mutates bot in place per spec.md §4.6's poll contract and
// saves it, quarantining rather than rejecting on a policy mismatch.
func (r *registry) applyPoll(ctx context.Context, bot *task.BotInfo, dims task.Dimensions, state json.RawMessage, reportedVersion string) error {
	prevDims := bot.DimensionsFlat
	bot.DimensionsFlat = flattenDimensions(dims)
	bot.State = state
	bot.LastSeenTS = r.now()

	quarantined, reason := r.evaluateQuarantine(dims)
	bot.Quarantined = quarantined
	bot.QuarantineReason = reason
	if reportedVersion != "" {
		bot.Version = reportedVersion
	}

	if err := r.store.SaveBot(ctx, bot); err != nil {
		return fmt.Errorf("save bot %s: %w", bot.BotID, err)
	}
	if !sameFlatSet(prevDims, bot.DimensionsFlat) {
		if err := r.appendEvent(ctx, bot.BotID, task.BotEventDimensionChange, 0, ""); err != nil {
			r.logger.Warn(ctx, "append dimension-change event failed", "bot_id", bot.BotID, "err", err)
		}
	}
	return nil
}

// evaluateQuarantine implements spec.md §4.6's "missing dimensions ...
// cause quarantine rather than rejection". A version mismatch is handled
// separately: it's a BotPoll-level decision to answer {cmd: "update"}
// instead (see ExpectedVersion), not a quarantine reason.
func (r *registry) evaluateQuarantine(dims task.Dimensions) (bool, string) {
	for _, required := range r.group.RequiredDimensions {
		if len(dims[required]) == 0 {
			return true, fmt.Sprintf("missing required dimension %q", required)
		}
	}
	return false, ""
}

func (r *registry) ExpectedVersion() string {
	return r.group.ExpectedVersion
}

func (r *registry) Terminate(ctx context.Context, botID string) (*task.TaskResultSummary, error) {
	if r.sched == nil {
		return nil, task.Errorf(task.CodeFailedPrecondition, "terminate: registry has no scheduler configured")
	}
	summary, err := r.sched.ScheduleTermination(ctx, botID)
	if err != nil {
		return nil, err
	}
	if err := r.appendEvent(ctx, botID, task.BotEventAdminCommand, 0, "terminate"); err != nil {
		r.logger.Warn(ctx, "append terminate event failed", "bot_id", botID, "err", err)
	}
	return summary, nil
}

func (r *registry) Restart(ctx context.Context, botID string) (*task.TaskResultSummary, error) {
	if r.sched == nil {
		return nil, task.Errorf(task.CodeFailedPrecondition, "restart: registry has no scheduler configured")
	}
	summary, err := r.sched.ScheduleRestart(ctx, botID)
	if err != nil {
		return nil, err
	}
	if err := r.appendEvent(ctx, botID, task.BotEventAdminCommand, 0, "restart"); err != nil {
		r.logger.Warn(ctx, "append restart event failed", "bot_id", botID, "err", err)
	}
	return summary, nil
}

func (r *registry) Delete(ctx context.Context, botID string) error {
	if err := r.store.DeleteBot(ctx, botID); err != nil {
		return fmt.Errorf("delete bot %s: %w", botID, err)
	}
	if err := r.appendEvent(ctx, botID, task.BotEventDeleted, 0, ""); err != nil {
		r.logger.Warn(ctx, "append deleted event failed", "bot_id", botID, "err", err)
	}
	return nil
}

func (r *registry) Get(ctx context.Context, botID string) (*task.BotInfo, error) {
	bot, err := r.store.GetBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("get bot %s: %w", botID, err)
	}
	return bot, nil
}

func (r *registry) List(ctx context.Context, filter store.BotFilter) (store.Page[*task.BotInfo], error) {
	page, err := r.store.ListBots(ctx, filter)
	if err != nil {
		return store.Page[*task.BotInfo]{}, fmt.Errorf("list bots: %w", err)
	}
	return page, nil
}

func (r *registry) CountFacets(ctx context.Context, filter store.BotFilter) (store.BotFacetCounts, error) {
	counts, err := r.store.CountBots(ctx, filter)
	if err != nil {
		return store.BotFacetCounts{}, fmt.Errorf("count bots: %w", err)
	}
	// The store has no notion of "now", so Dead is computed here by
	// paging through the same filter and checking liveness directly.
	cursor := ""
	now := r.now()
	for {
		page, err := r.store.ListBots(ctx, store.BotFilter{
			Dimensions:  filter.Dimensions,
			Quarantined: filter.Quarantined,
			Cursor:      cursor,
			Limit:       256,
		})
		if err != nil {
			return store.BotFacetCounts{}, fmt.Errorf("count bots: scan for dead: %w", err)
		}
		for _, b := range page.Items {
			if now.Sub(b.LastSeenTS) > r.deathTimeout {
				counts.Dead++
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return counts, nil
}

func (r *registry) IsAlive(bot *task.BotInfo) bool {
	if bot == nil {
		return false
	}
	return r.now().Sub(bot.LastSeenTS) <= r.deathTimeout
}

func (r *registry) Events(ctx context.Context, botID string, limit int) ([]task.BotEvent, error) {
	events, err := r.store.ListEvents(ctx, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", botID, err)
	}
	return events, nil
}

func (r *registry) appendEvent(ctx context.Context, botID string, kind task.BotEventKind, taskID int64, message string) error {
	return r.store.AppendEvent(ctx, task.BotEvent{
		BotID:   botID,
		TS:      r.now(),
		Kind:    kind,
		TaskID:  taskID,
		Message: message,
	})
}

func flattenDimensions(dims task.Dimensions) []string {
	flat := make([]string, 0, len(dims))
	for k, values := range dims {
		for _, v := range values {
			flat = append(flat, k+":"+v)
		}
	}
	return flat
}

func sameFlatSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, count := range seen {
		if count != 0 {
			return false
		}
	}
	return true
}
