// Package core wires the Dimension Index, Dedup Cache, Request/Run/Bot
// Stores, Scheduler, Bot Registry, and Cancellation Worker into the
// external interface described in spec.md §6: a plain Go facade of
// request/response methods, with no wire format opinion of its own (that
// is transport/http's job).
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"swarm.dev/core/botregistry"
	"swarm.dev/core/cancelworker"
	"swarm.dev/core/idpack"
	"swarm.dev/core/scheduler"
	"swarm.dev/core/store"
	"swarm.dev/core/task"
)

type (
	// ServiceOptions are the required and optional collaborators a
	// Service is built from. Required fields are validated by NewService;
	// optional ones are defaulted.
	ServiceOptions struct {
		// Requests, Runs, and Bots back every read path the Scheduler and
		// Registry don't already own a reference to.
		Requests store.RequestStore
		Runs     store.RunStore
		Bots     store.BotStore

		// Scheduler, Registry, and Cancel implement the operations this
		// Service composes; all three are required.
		Scheduler *scheduler.Scheduler
		Registry  botregistry.Registry
		Cancel    cancelworker.Worker

		// DefaultListLimit bounds ListRequests/ListBots calls that don't
		// specify their own limit. Defaults to DefaultListLimit.
		DefaultListLimit int
	}

	// Service implements spec.md §6's external interface as Go methods.
	Service struct {
		requests store.RequestStore
		runs     store.RunStore
		bots     store.BotStore

		sched    *scheduler.Scheduler
		registry botregistry.Registry
		cancel   cancelworker.Worker

		listLimit int
	}
)

// DefaultListLimit is used when ServiceOptions.DefaultListLimit is zero.
const DefaultListLimit = 100

// NewService validates opts and constructs a Service. It returns a
// *task.Error with CodeInvalidArgument if a required collaborator is
// missing.
func NewService(opts ServiceOptions) (*Service, error) {
	var missing *multierror.Error
	if opts.Requests == nil {
		missing = multierror.Append(missing, fmt.Errorf("Requests store is required"))
	}
	if opts.Runs == nil {
		missing = multierror.Append(missing, fmt.Errorf("Runs store is required"))
	}
	if opts.Bots == nil {
		missing = multierror.Append(missing, fmt.Errorf("Bots store is required"))
	}
	if opts.Scheduler == nil {
		missing = multierror.Append(missing, fmt.Errorf("Scheduler is required"))
	}
	if opts.Registry == nil {
		missing = multierror.Append(missing, fmt.Errorf("Registry is required"))
	}
	if opts.Cancel == nil {
		missing = multierror.Append(missing, fmt.Errorf("Cancel worker is required"))
	}
	if missing.ErrorOrNil() != nil {
		return nil, task.NewError(task.CodeInvalidArgument, "construct core service", missing)
	}

	limit := opts.DefaultListLimit
	if limit == 0 {
		limit = DefaultListLimit
	}

	return &Service{
		requests:  opts.Requests,
		runs:      opts.Runs,
		bots:      opts.Bots,
		sched:     opts.Scheduler,
		registry:  opts.Registry,
		cancel:    opts.Cancel,
		listLimit: limit,
	}, nil
}

// SubmitResult is the Submission RPC output.
type SubmitResult struct {
	Request  *task.TaskRequest
	TaskID   string
	Summary  *task.TaskResultSummary
	DedupHit bool
}

// Submit implements spec.md §6's `tasks.new`. Validation failures return
// task.CodeInvalidArgument; a ServiceAccount value other than "", "bot",
// or an email-shaped string returns task.CodeFailedPrecondition, per
// spec.md §6's "FailedPrecondition for service-account misconfiguration".
func (s *Service) Submit(ctx context.Context, req *task.TaskRequest) (*SubmitResult, error) {
	if len(req.Properties.Command) == 0 && !req.IsTermination() {
		return nil, task.Errorf(task.CodeInvalidArgument, "submit: empty command")
	}
	if req.Properties.Dimensions.Pool() == "" {
		return nil, task.Errorf(task.CodeInvalidArgument, "submit: missing pool dimension")
	}
	if err := validateServiceAccount(req.ServiceAccount); err != nil {
		return nil, err
	}
	if req.Properties.Idempotent && req.PropertiesHash == ([32]byte{}) {
		return nil, task.Errorf(task.CodeInvalidArgument, "submit: idempotent request missing properties_hash")
	}

	summary, err := s.sched.Schedule(ctx, req)
	if err != nil {
		return nil, err
	}

	return &SubmitResult{
		Request:  req,
		TaskID:   idpack.PackSummary(req.ID),
		Summary:  summary,
		DedupHit: summary.DedupedFrom != nil,
	}, nil
}

func validateServiceAccount(sa string) error {
	if sa == "" || sa == "bot" {
		return nil
	}
	if !isEmailShaped(sa) {
		return task.Errorf(task.CodeFailedPrecondition, "submit: service_account %q is neither \"\", \"bot\", nor an email address", sa)
	}
	return nil
}

func isEmailShaped(s string) bool {
	at := -1
	for i, r := range s {
		if r == '@' {
			at = i
			break
		}
	}
	return at > 0 && at < len(s)-1
}

// PollInput is the Bot poll RPC input.
type PollInput struct {
	BotID           string
	Dimensions      task.Dimensions
	State           []byte
	ReportedVersion string
}

// PollResult is the Bot poll RPC output, carrying the Scheduler's
// ClaimResult alongside the BotInfo the poll produced.
type PollResult struct {
	Claim *scheduler.ClaimResult
	Bot   *task.BotInfo
}

// BotPoll implements spec.md §6's Bot poll RPC: the Registry handles
// presence/quarantine first (a quarantined bot never reaches the
// Scheduler's matching logic beyond the fast-path sleep); a bot reporting
// a version other than the group's ExpectedVersion is answered with
// {cmd: "update"} before the Scheduler ever sees the poll, per SPEC_FULL.md's
// DOMAIN STACK; otherwise the Scheduler attempts a claim.
func (s *Service) BotPoll(ctx context.Context, in PollInput) (*PollResult, error) {
	if in.BotID == "" {
		return nil, task.Errorf(task.CodeInvalidArgument, "bot_poll: empty bot_id")
	}

	bot, err := s.registry.Poll(ctx, in.BotID, in.Dimensions, in.State, in.ReportedVersion)
	if err != nil {
		return nil, task.NewError(task.CodeInternal, "bot_poll: registry poll", err)
	}

	if expected := s.registry.ExpectedVersion(); expected != "" && in.ReportedVersion != "" && in.ReportedVersion != expected {
		return &PollResult{
			Claim: &scheduler.ClaimResult{Cmd: scheduler.CmdUpdate, UpdateVersion: expected},
			Bot:   bot,
		}, nil
	}

	claim, err := s.sched.BotClaim(ctx, bot, in.Dimensions)
	if err != nil {
		return nil, err
	}
	return &PollResult{Claim: claim, Bot: bot}, nil
}

// Handshake implements the bot session bootstrap spec.md §4.6 describes:
// the first poll a bot ever makes, before it has anything to claim.
func (s *Service) Handshake(ctx context.Context, in PollInput) (*task.BotInfo, error) {
	if in.BotID == "" {
		return nil, task.Errorf(task.CodeInvalidArgument, "handshake: empty bot_id")
	}
	bot, err := s.registry.Handshake(ctx, in.BotID, in.Dimensions, in.State, in.ReportedVersion)
	if err != nil {
		return nil, task.NewError(task.CodeInternal, "handshake", err)
	}
	return bot, nil
}

// BotUpdate implements spec.md §6's Bot task update RPC. taskID is the
// packed run ID (idpack kind RUN1/RUN2) a bot reports progress against.
func (s *Service) BotUpdate(ctx context.Context, taskID string, in scheduler.UpdateInput) (*scheduler.UpdateResult, error) {
	requestID, kind, try, err := idpack.Unpack(taskID)
	if err != nil {
		return nil, task.NewError(task.CodeInvalidArgument, "bot_update: bad task_id", err)
	}
	if kind == idpack.KindSummary {
		return nil, task.Errorf(task.CodeInvalidArgument, "bot_update: task_id %q is a summary id, not a run id", taskID)
	}
	in.RunID = task.RunID{RequestID: requestID, TryNumber: try}

	result, err := s.sched.BotUpdate(ctx, in)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel implements spec.md §6's cancel contract for a single task_id.
func (s *Service) Cancel(ctx context.Context, taskID string, killRunning bool) (*scheduler.CancelResult, error) {
	requestID, _, _, err := idpack.Unpack(taskID)
	if err != nil {
		return nil, task.NewError(task.CodeInvalidArgument, "cancel: bad task_id", err)
	}
	return s.sched.Cancel(ctx, requestID, killRunning)
}

// BulkCancelInput is the bulk-cancel RPC input (spec.md §4.7).
type BulkCancelInput struct {
	Tags           []string
	IncludeRunning bool
}

// BulkCancel implements spec.md §4.7: a caller-supplied job_id identifies
// one logical bulk-cancel run so its cursor can be resumed across worker
// restarts. A fresh job_id is minted when the caller doesn't supply one.
func (s *Service) BulkCancel(ctx context.Context, jobID string, in BulkCancelInput) (cancelworker.Result, error) {
	if len(in.Tags) == 0 {
		return cancelworker.Result{}, task.Errorf(task.CodeInvalidArgument, "bulk_cancel: at least one tag is required")
	}
	if jobID == "" {
		jobID = uuid.New().String()
	}
	result, err := s.cancel.BulkCancel(ctx, jobID, in.Tags, in.IncludeRunning)
	if err != nil {
		return cancelworker.Result{}, task.NewError(task.CodeInternal, "bulk_cancel", err)
	}
	return result, nil
}

// GetRequest implements spec.md §6's `task.request(task_id)`.
func (s *Service) GetRequest(ctx context.Context, taskID string) (*task.TaskRequest, error) {
	requestID, _, _, err := idpack.Unpack(taskID)
	if err != nil {
		return nil, task.NewError(task.CodeInvalidArgument, "get_request: bad task_id", err)
	}
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, translateNotFound(err, "get_request")
	}
	return req, nil
}

// GetResult implements spec.md §6's `task.result(task_id)`.
func (s *Service) GetResult(ctx context.Context, taskID string) (*task.TaskResultSummary, error) {
	requestID, _, _, err := idpack.Unpack(taskID)
	if err != nil {
		return nil, task.NewError(task.CodeInvalidArgument, "get_result: bad task_id", err)
	}
	summary, err := s.requests.GetSummary(ctx, requestID)
	if err != nil {
		return nil, translateNotFound(err, "get_result")
	}
	return summary, nil
}

// GetStdout implements spec.md §6's `task.stdout(task_id)`: the
// concatenation of every accepted output chunk for the request's current
// run.
func (s *Service) GetStdout(ctx context.Context, taskID string) ([]byte, error) {
	requestID, _, _, err := idpack.Unpack(taskID)
	if err != nil {
		return nil, task.NewError(task.CodeInvalidArgument, "get_stdout: bad task_id", err)
	}
	summary, err := s.requests.GetSummary(ctx, requestID)
	if err != nil {
		return nil, translateNotFound(err, "get_stdout")
	}
	runID, ok := summary.CurrentRun()
	if !ok {
		return nil, nil
	}
	out, err := s.runs.ReadOutput(ctx, runID)
	if err != nil {
		return nil, translateNotFound(err, "get_stdout")
	}
	return out, nil
}

// ListRequests implements spec.md §6's `tasks.list(filter)`.
func (s *Service) ListRequests(ctx context.Context, filter store.RequestFilter) (store.Page[*task.TaskRequest], error) {
	if filter.Limit <= 0 {
		filter.Limit = s.listLimit
	}
	page, err := s.requests.ListRequests(ctx, filter)
	if err != nil {
		return store.Page[*task.TaskRequest]{}, task.NewError(task.CodeInternal, "list_requests", err)
	}
	return page, nil
}

// CountRequests implements spec.md §6's `tasks.count(filter)`.
func (s *Service) CountRequests(ctx context.Context, filter store.RequestFilter) (int64, error) {
	n, err := s.requests.CountRequests(ctx, filter)
	if err != nil {
		return 0, task.NewError(task.CodeInternal, "count_requests", err)
	}
	return n, nil
}

// GetBot implements spec.md §6's `bot.get(bot_id)`.
func (s *Service) GetBot(ctx context.Context, botID string) (*task.BotInfo, error) {
	bot, err := s.registry.Get(ctx, botID)
	if err != nil {
		return nil, translateNotFound(err, "get_bot")
	}
	return bot, nil
}

// ListBots implements spec.md §6's `bots.list(filter)`.
func (s *Service) ListBots(ctx context.Context, filter store.BotFilter) (store.Page[*task.BotInfo], error) {
	if filter.Limit <= 0 {
		filter.Limit = s.listLimit
	}
	page, err := s.registry.List(ctx, filter)
	if err != nil {
		return store.Page[*task.BotInfo]{}, task.NewError(task.CodeInternal, "list_bots", err)
	}
	return page, nil
}

// CountBots implements spec.md §6's `bots.count(filter)`.
func (s *Service) CountBots(ctx context.Context, filter store.BotFilter) (store.BotFacetCounts, error) {
	counts, err := s.registry.CountFacets(ctx, filter)
	if err != nil {
		return store.BotFacetCounts{}, task.NewError(task.CodeInternal, "count_bots", err)
	}
	return counts, nil
}

// DeleteBot soft-deletes a bot, retaining its event history per spec.md
// §4.6.
func (s *Service) DeleteBot(ctx context.Context, botID string) error {
	if err := s.registry.Delete(ctx, botID); err != nil {
		return task.NewError(task.CodeInternal, "delete_bot", err)
	}
	return nil
}

// TerminateBot schedules the priority-0 request that answers botID's next
// poll with {cmd: "terminate"}, per spec.md §4.5's "Termination task".
func (s *Service) TerminateBot(ctx context.Context, botID string) (*task.TaskResultSummary, error) {
	summary, err := s.registry.Terminate(ctx, botID)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// RestartBot schedules the priority-0 request that answers botID's next
// poll with {cmd: "restart"}.
func (s *Service) RestartBot(ctx context.Context, botID string) (*task.TaskResultSummary, error) {
	summary, err := s.registry.Restart(ctx, botID)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// translateNotFound maps a store.ErrNotFound into a task.CodeNotFound
// error at the service boundary, per SPEC_FULL.md §7: storage sentinels
// never escape core.
func translateNotFound(err error, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return task.NewError(task.CodeNotFound, op+": not found", err)
	}
	return task.NewError(task.CodeInternal, op, err)
}
