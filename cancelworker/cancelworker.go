// Package cancelworker implements the Cancellation Worker (spec.md
// §4.7): async fan-out of a tag-matched bulk_cancel job into individual
// per-request cancel operations, paginating PENDING (and, only when
// explicitly asked, RUNNING) requests matching every given tag.
//
// Restartability is implemented the same way the Dedup Cache and
// Result Stream manager persist cross-node state: a cursor string
// written to Redis under a per-job key, advanced only after a page's
// cancels have been issued, so a worker that dies mid-job resumes
// from its last completed page instead of the start.
package cancelworker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"swarm.dev/core/scheduler"
	"swarm.dev/core/store"
	"swarm.dev/core/task"
	"swarm.dev/core/telemetry"
)

type (
	// Worker runs bulk_cancel jobs against a RequestStore, fanning each
	// matched request out to the Scheduler's Cancel operation.
	Worker interface {
		// BulkCancel cancels every PENDING request matching all of tags,
		// and every RUNNING request matching all of tags if
		// includeRunning is set (spec.md §4.7: "gated by an explicit
		// flag; default cancels only PENDING"). jobID identifies this
		// job's persisted cursor so a retry resumes rather than restarts.
		BulkCancel(ctx context.Context, jobID string, tags []string, includeRunning bool) (Result, error)
	}

	// Result summarizes one BulkCancel run.
	Result struct {
		Matched   int
		Canceled  int
		StillRunning int
		Failed    int
	}

	worker struct {
		requests store.RequestStore
		sched    *scheduler.Scheduler
		rdb      *redis.Client
		pageSize int
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Option configures a Worker constructed by New.
	Option func(*worker)
)

// DefaultPageSize bounds how many requests BulkCancel fans out per
// page before persisting its cursor.
const DefaultPageSize = 128

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(w *worker) {
		if n > 0 {
			w.pageSize = n
		}
	}
}

// WithLogger sets the worker's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(w *worker) { w.logger = l }
}

// WithMetrics sets the worker's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(w *worker) { w.metrics = m }
}

// New constructs a Worker that queries requests, persists its cursor in
// rdb, and issues cancels through sched.
func New(requests store.RequestStore, sched *scheduler.Scheduler, rdb *redis.Client, opts ...Option) Worker {
	w := &worker{
		requests: requests,
		sched:    sched,
		rdb:      rdb,
		pageSize: DefaultPageSize,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func cursorKey(jobID string, state task.State) string {
	return fmt.Sprintf("cancelworker:cursor:%s:%s", jobID, state.String())
}

func (w *worker) BulkCancel(ctx context.Context, jobID string, tags []string, includeRunning bool) (Result, error) {
	var total Result

	pendingResult, err := w.cancelState(ctx, jobID, tags, task.StatePending, false)
	if err != nil {
		return total, fmt.Errorf("bulk cancel pending: %w", err)
	}
	total = add(total, pendingResult)

	if includeRunning {
		runningResult, err := w.cancelState(ctx, jobID, tags, task.StateRunning, true)
		if err != nil {
			return total, fmt.Errorf("bulk cancel running: %w", err)
		}
		total = add(total, runningResult)
	}

	w.metrics.IncCounter("cancelworker.bulk_cancel", 1, "job_id", jobID)
	return total, nil
}

// cancelState pages through every request in state matching tags,
// issuing a Cancel for each, and persists its cursor after every page
// so a restart resumes rather than reprocesses from the beginning.
func (w *worker) cancelState(ctx context.Context, jobID string, tags []string, state task.State, killRunning bool) (Result, error) {
	var result Result

	cursor, err := w.loadCursor(ctx, jobID, state)
	if err != nil {
		return result, err
	}

	st := state
	for {
		page, err := w.requests.ListRequests(ctx, store.RequestFilter{
			Tags:   tags,
			State:  &st,
			Sort:   store.SortByCreated,
			Cursor: cursor,
			Limit:  w.pageSize,
		})
		if err != nil {
			return result, fmt.Errorf("list requests: %w", err)
		}

		for _, req := range page.Items {
			result.Matched++
			if _, err := w.sched.Cancel(ctx, req.ID, killRunning); err != nil {
				result.Failed++
				w.logger.Warn(ctx, "bulk cancel: individual cancel failed", "job_id", jobID, "request_id", req.ID, "err", err)
				continue
			}
			if state == task.StateRunning {
				result.StillRunning++
			} else {
				result.Canceled++
			}
		}

		cursor = page.NextCursor
		if err := w.saveCursor(ctx, jobID, state, cursor); err != nil {
			return result, err
		}
		if cursor == "" {
			break
		}
	}

	return result, nil
}

func (w *worker) loadCursor(ctx context.Context, jobID string, state task.State) (string, error) {
	val, err := w.rdb.Get(ctx, cursorKey(jobID, state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return val, nil
}

// saveCursor persists cursor, or deletes the key entirely once the job
// finishes (cursor == "") so a later job reusing the same ID starts
// fresh rather than inheriting a stale completed cursor.
func (w *worker) saveCursor(ctx context.Context, jobID string, state task.State, cursor string) error {
	key := cursorKey(jobID, state)
	if cursor == "" {
		if err := w.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("clear cursor: %w", err)
		}
		return nil
	}
	if err := w.rdb.Set(ctx, key, cursor, 0).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func add(a, b Result) Result {
	return Result{
		Matched:      a.Matched + b.Matched,
		Canceled:     a.Canceled + b.Canceled,
		StillRunning: a.StillRunning + b.StillRunning,
		Failed:       a.Failed + b.Failed,
	}
}
