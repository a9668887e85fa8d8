package task

import "time"

// State is a task's (or a run's) position in the state DAG described in
// spec.md §5:
//
//	PENDING  -> {RUNNING, EXPIRED, CANCELED}
//	RUNNING  -> {COMPLETED, TIMED_OUT, BOT_DIED, KILLED}
//	BOT_DIED -> PENDING (try_number 1 -> 2 only)
//
// Regressions are forbidden; CanTransition enforces the DAG.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateExpired
	StateTimedOut
	StateBotDied
	StateCanceled
	StateKilled
	StateNoResource
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateExpired:
		return "EXPIRED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateBotDied:
		return "BOT_DIED"
	case StateCanceled:
		return "CANCELED"
	case StateKilled:
		return "KILLED"
	case StateNoResource:
		return "NO_RESOURCE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a terminal state: no further transition is
// ever valid except BOT_DIED's one specific retry-to-PENDING edge, which
// CanTransition models explicitly.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCanceled, StateKilled, StateTimedOut, StateNoResource:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state DAG in spec.md §5 permits moving
// from "from" to "to".
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		switch to {
		case StateRunning, StateExpired, StateCanceled, StateCompleted, StateNoResource:
			// StateCompleted here covers the dedup-hit shortcut
			// (PENDING -> COMPLETED without ever entering RUNNING).
			return true
		}
	case StateRunning:
		switch to {
		case StateCompleted, StateTimedOut, StateBotDied, StateKilled:
			return true
		}
	case StateBotDied:
		// Retried back to PENDING for try_number 1 -> 2 only; the
		// scheduler enforces the try_number side of this, not the DAG.
		return to == StatePending
	}
	return false
}

// TaskResultSummary is the mutable aggregate state of one request: exactly
// one exists per TaskRequest, created atomically with it.
type TaskResultSummary struct {
	RequestID int64
	State     State

	// TryNumber is 0 until a bot claims the request, then 1, then 2 after
	// a bot-death retry. The current run, when one exists, is always
	// (RequestID, TryNumber) — see CurrentRun.
	TryNumber int

	// DedupedFrom is the run this summary's result was copied from; set
	// only on a PENDING -> COMPLETED transition that never entered
	// RUNNING. Nil unless the request was a dedup hit.
	DedupedFrom *RunID

	CreatedTS   time.Time
	StartedTS   time.Time
	CompletedTS time.Time
	ModifiedTS  time.Time

	// BotID, ExitCode, and OutputSize are cached from the current/last run
	// for cheap summary reads without joining TaskRunResult.
	BotID      string
	ExitCode   int32
	HasExit    bool
	OutputSize int64

	// Version is bumped on every mutating store write and used for
	// optimistic concurrency (spec.md §5: "serializable per candidate
	// task (optimistic concurrency with per-request version check)").
	Version int64

	// Killing is set when a cancel(kill_running=true) has been accepted
	// for a RUNNING request but not yet acknowledged by the bot.
	Killing bool
}

// TaskRunResult is one execution attempt. Up to two exist per request.
type TaskRunResult struct {
	RequestID int64
	TryNumber int // 1 or 2
	BotID     string
	State     State

	StartedTS   time.Time
	ModifiedTS  time.Time
	CompletedTS time.Time

	ExitCode int32
	HasExit  bool

	CostUSD float64

	HardTimeoutFlag bool
	IOTimeoutFlag   bool

	// OutputSize is the number of bytes appended so far; output bytes
	// themselves live in the store's OutputChunk collection, append-only
	// and keyed by (RunID, Offset).
	OutputSize int64

	Version int64
}

// RunID packs (RequestID, TryNumber) into the single identifier the store
// and idpack codec use to key TaskRunResult and its output chunks.
type RunID struct {
	RequestID int64
	TryNumber int
}

// CurrentRun returns the RunID of s's current run, and whether one exists.
// A current run exists iff s.State is one of
// {RUNNING, COMPLETED, TIMED_OUT, BOT_DIED, KILLED} and the completion
// was not a dedup hit (see spec.md §3 invariants).
func (s *TaskResultSummary) CurrentRun() (RunID, bool) {
	switch s.State {
	case StateRunning, StateCompleted, StateTimedOut, StateBotDied, StateKilled:
		if s.DedupedFrom != nil {
			return RunID{}, false
		}
		return RunID{RequestID: s.RequestID, TryNumber: s.TryNumber}, true
	default:
		return RunID{}, false
	}
}
