package cancelworker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"swarm.dev/core/dedup"
	"swarm.dev/core/dimindex"
	"swarm.dev/core/idgen"
	"swarm.dev/core/scheduler"
	"swarm.dev/core/store/memory"
	"swarm.dev/core/task"
)

func newTestWorker(t *testing.T) (Worker, *memory.Store, *scheduler.Scheduler) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := memory.New()
	sched := scheduler.New(st, st, st, dimindex.New(), dedup.NewMemoryCache(), idgen.New())
	w := New(st, sched, rdb, WithPageSize(2))
	return w, st, sched
}

func scheduleTagged(t *testing.T, sched *scheduler.Scheduler, tags ...string) int64 {
	t.Helper()
	req := &task.TaskRequest{
		Properties: task.TaskProperties{
			Command:    []string{"echo"},
			Dimensions: task.Dimensions{"pool": {"default"}},
		},
		Tags:         tags,
		ExpirationAt: time.Now().Add(time.Hour),
	}
	summary, err := sched.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, task.StatePending, summary.State)
	return req.ID
}

func TestBulkCancelCancelsEveryPendingMatchingAllTags(t *testing.T) {
	w, st, sched := newTestWorker(t)
	ctx := context.Background()

	id1 := scheduleTagged(t, sched, "release:42", "team:infra")
	id2 := scheduleTagged(t, sched, "release:42", "team:infra")
	_ = scheduleTagged(t, sched, "release:99") // must not match

	result, err := w.BulkCancel(ctx, "job-1", []string{"release:42", "team:infra"}, false)
	require.NoError(t, err)
	require.Equal(t, 2, result.Matched)
	require.Equal(t, 2, result.Canceled)
	require.Equal(t, 0, result.Failed)

	s1, err := st.GetSummary(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, task.StateCanceled, s1.State)
	s2, err := st.GetSummary(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, task.StateCanceled, s2.State)
}

func TestBulkCancelPaginatesAcrossMultiplePages(t *testing.T) {
	w, _, sched := newTestWorker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		scheduleTagged(t, sched, "bulk")
	}

	result, err := w.BulkCancel(ctx, "job-paged", []string{"bulk"}, false)
	require.NoError(t, err)
	require.Equal(t, 5, result.Matched)
	require.Equal(t, 5, result.Canceled)
}

func TestBulkCancelLeavesRunningAloneUnlessIncludeRunning(t *testing.T) {
	w, st, sched := newTestWorker(t)
	ctx := context.Background()

	id := scheduleTagged(t, sched, "live")
	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, err := st.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, scheduler.CmdRun, claim.Cmd)

	result, err := w.BulkCancel(ctx, "job-no-running", []string{"live"}, false)
	require.NoError(t, err)
	require.Equal(t, 0, result.Matched, "default bulk cancel must not touch RUNNING requests")

	summary, err := st.GetSummary(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StateRunning, summary.State)

	result, err = w.BulkCancel(ctx, "job-running", []string{"live"}, true)
	require.NoError(t, err)
	require.Equal(t, 1, result.Matched)
	require.Equal(t, 1, result.StillRunning)

	summary, err = st.GetSummary(ctx, id)
	require.NoError(t, err)
	require.True(t, summary.Killing, "includeRunning cancel must mark the run for cooperative kill, not force it terminal")
}

func TestBulkCancelClearsCursorOnCompletion(t *testing.T) {
	w, _, sched := newTestWorker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		scheduleTagged(t, sched, "resumable")
	}

	first, err := w.BulkCancel(ctx, "job-resume", []string{"resumable"}, false)
	require.NoError(t, err)
	require.Equal(t, 3, first.Matched, "first run should fully drain the small fixture regardless of page size")

	// A second run against the same job ID with nothing left pending
	// must be a clean no-op, proving the cursor was cleared on
	// completion rather than looping forever.
	second, err := w.BulkCancel(ctx, "job-resume", []string{"resumable"}, false)
	require.NoError(t, err)
	require.Equal(t, 0, second.Matched)
}
