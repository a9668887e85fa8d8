package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swarm.dev/core/dedup"
	"swarm.dev/core/dimindex"
	"swarm.dev/core/idgen"
	"swarm.dev/core/store"
	"swarm.dev/core/store/memory"
	"swarm.dev/core/task"
)

func newTestScheduler(t *testing.T) (*Scheduler, *memory.Store) {
	t.Helper()
	st := memory.New()
	sched := New(st, st, st, dimindex.New(), dedup.NewMemoryCache(), idgen.New(), WithDedupTTL(time.Hour))
	return sched, st
}

func basicRequest(pool string) *task.TaskRequest {
	return &task.TaskRequest{
		Properties: task.TaskProperties{
			Command:    []string{"echo", "hi"},
			Dimensions: task.Dimensions{"pool": {pool}},
		},
		ExpirationAt: time.Now().Add(time.Hour),
		Priority:     100,
	}
}

func TestScheduleThenClaimRunsFullCycle(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	req := basicRequest("default")
	summary, err := sched.Schedule(ctx, req)
	require.NoError(t, err)
	require.Equal(t, task.StatePending, summary.State)

	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, err := st.GetBot(ctx, "bot-1")
	require.NoError(t, err)

	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdRun, claim.Cmd)
	require.NotNil(t, claim.Manifest)

	got, err := st.GetSummary(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateRunning, got.State)
	require.Equal(t, 1, got.TryNumber)

	runID := task.RunID{RequestID: req.ID, TryNumber: 1}
	update, err := sched.BotUpdate(ctx, UpdateInput{
		RunID:     runID,
		ExitCode:  0,
		HasExit:   true,
		CostUSD:   0.01,
	})
	require.NoError(t, err)
	require.True(t, update.OK)
	require.False(t, update.MustStop)

	final, err := st.GetSummary(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, final.State)

	bot, err = st.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), bot.CurrentTaskID, "bot must be released on completion")
}

func TestClaimReturnsSleepWhenPoolEmpty(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, _ := st.GetBot(ctx, "bot-1")

	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdSleep, claim.Cmd)
}

func TestClaimFastPathQuarantinedBotSleeps(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	req := basicRequest("default")
	_, err := sched.Schedule(ctx, req)
	require.NoError(t, err)

	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1", Quarantined: true}))
	bot, _ := st.GetBot(ctx, "bot-1")

	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdSleep, claim.Cmd)
}

func TestDedupHitCompletesWithoutClaim(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	// First request runs to a successful completion, populating dedup.
	req1 := basicRequest("default")
	req1.Properties.Idempotent = true
	req1.PropertiesHash = [32]byte{7, 7, 7}
	_, err := sched.Schedule(ctx, req1)
	require.NoError(t, err)

	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, _ := st.GetBot(ctx, "bot-1")
	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdRun, claim.Cmd)

	_, err = sched.BotUpdate(ctx, UpdateInput{
		RunID:    task.RunID{RequestID: req1.ID, TryNumber: 1},
		ExitCode: 0,
		HasExit:  true,
	})
	require.NoError(t, err)

	// Second identical-hash request should dedupe immediately.
	req2 := basicRequest("default")
	req2.Properties.Idempotent = true
	req2.PropertiesHash = [32]byte{7, 7, 7}
	summary2, err := sched.Schedule(ctx, req2)
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, summary2.State)
	require.NotNil(t, summary2.DedupedFrom)
	require.Equal(t, req1.ID, summary2.DedupedFrom.RequestID)
}

func TestCancelPendingRemovesFromIndex(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	req := basicRequest("default")
	_, err := sched.Schedule(ctx, req)
	require.NoError(t, err)

	result, err := sched.Cancel(ctx, req.ID, false)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.False(t, result.WasRunning)

	summary, err := st.GetSummary(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateCanceled, summary.State)

	// No bot should ever be able to claim the canceled request.
	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, _ := st.GetBot(ctx, "bot-1")
	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdSleep, claim.Cmd)
}

func TestCancelRunningSetsKillingAndSignalsOnNextUpdate(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	req := basicRequest("default")
	_, err := sched.Schedule(ctx, req)
	require.NoError(t, err)
	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, _ := st.GetBot(ctx, "bot-1")
	_, err = sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)

	result, err := sched.Cancel(ctx, req.ID, true)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.True(t, result.WasRunning)

	// Intermediate update must carry the kill signal.
	update, err := sched.BotUpdate(ctx, UpdateInput{RunID: task.RunID{RequestID: req.ID, TryNumber: 1}})
	require.NoError(t, err)
	require.True(t, update.MustStop)

	final, err := sched.BotUpdate(ctx, UpdateInput{
		RunID:    task.RunID{RequestID: req.ID, TryNumber: 1},
		ExitCode: -1,
		HasExit:  true,
	})
	require.NoError(t, err)
	require.True(t, final.MustStop)

	summary, err := st.GetSummary(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateKilled, summary.State)
}

func TestBotUpdateAppendsOutputIdempotently(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	req := basicRequest("default")
	_, err := sched.Schedule(ctx, req)
	require.NoError(t, err)
	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, _ := st.GetBot(ctx, "bot-1")
	_, err = sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)

	runID := task.RunID{RequestID: req.ID, TryNumber: 1}
	_, err = sched.BotUpdate(ctx, UpdateInput{RunID: runID, HasOutput: true, OutputChunkStart: 0, Output: []byte("hello ")})
	require.NoError(t, err)
	_, err = sched.BotUpdate(ctx, UpdateInput{RunID: runID, HasOutput: true, OutputChunkStart: 6, Output: []byte("world")})
	require.NoError(t, err)

	out, err := st.ReadOutput(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(out))
}

func TestClaimSleepsWhenCancelEmptiedPool(t *testing.T) {
	// A lost claim race is not easily forced with the in-memory store's
	// single-mutex semantics (no real concurrent racer exists in this
	// test), so this documents the NO_TASK behavior when the pool is
	// empty because a cancel removed the only candidate before the claim.
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	req := basicRequest("default")
	_, err := sched.Schedule(ctx, req)
	require.NoError(t, err)
	_, err = sched.Cancel(ctx, req.ID, false)
	require.NoError(t, err)

	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, _ := st.GetBot(ctx, "bot-1")
	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdSleep, claim.Cmd)
}

func TestTerminationTaskClaimedOnlyByNamedBot(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.ScheduleTermination(ctx, "bot-1")
	require.NoError(t, err)

	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-2"}))
	otherBot, _ := st.GetBot(ctx, "bot-2")
	claim, err := sched.BotClaim(ctx, otherBot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdSleep, claim.Cmd, "termination task must not be claimable by another bot")

	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	namedBot, _ := st.GetBot(ctx, "bot-1")
	claim, err = sched.BotClaim(ctx, namedBot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdTerminate, claim.Cmd)
}

func TestRestartTaskClaimedOnlyByNamedBot(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.ScheduleRestart(ctx, "bot-1")
	require.NoError(t, err)

	require.NoError(t, st.SaveBot(ctx, &task.BotInfo{BotID: "bot-1"}))
	bot, _ := st.GetBot(ctx, "bot-1")
	claim, err := sched.BotClaim(ctx, bot, task.Dimensions{"pool": {"default"}})
	require.NoError(t, err)
	require.Equal(t, CmdRestart, claim.Cmd)
}

func TestScheduleRejectsClientSubmittedPriorityZero(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.Schedule(ctx, &task.TaskRequest{
		Properties: task.TaskProperties{
			Command:    []string{"echo"},
			Dimensions: task.Dimensions{"pool": {"default"}},
		},
		Priority:     0,
		ExpirationAt: time.Now().Add(time.Hour),
	})
	require.Error(t, err)
	require.Equal(t, task.CodeInvalidArgument, task.CodeOf(err))
}

var _ = store.ErrConflict
