// Package http is a thin, optional JSON transport over core.Service. Per
// SPEC_FULL.md §6, it is a demonstration harness only — not part of the
// core's tested contract — so cmd/swarmserver has something runnable
// end to end; every handler is a 1:1 JSON marshal of a core.Service call.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"swarm.dev/core/core"
	"swarm.dev/core/scheduler"
	"swarm.dev/core/store"
	"swarm.dev/core/task"
	"swarm.dev/core/telemetry"
)

// NewRouter builds the demonstration JSON API in front of svc.
func NewRouter(svc *core.Service, logger telemetry.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Post("/tasks/new", handleSubmit(svc))
	r.Get("/tasks/{task_id}/result", handleGetResult(svc))
	r.Get("/tasks/{task_id}/request", handleGetRequest(svc))
	r.Get("/tasks/{task_id}/stdout", handleGetStdout(svc))
	r.Get("/tasks", handleListRequests(svc))
	r.Get("/tasks/count", handleCountRequests(svc))
	r.Post("/tasks/{task_id}/cancel", handleCancel(svc))
	r.Post("/tasks/bulk_cancel", handleBulkCancel(svc))

	r.Post("/bots/{bot_id}/handshake", handleHandshake(svc))
	r.Post("/bots/{bot_id}/poll", handlePoll(svc))
	r.Post("/bots/{bot_id}/runs/{task_id}/update", handleBotUpdate(svc))
	r.Get("/bots/{bot_id}", handleGetBot(svc))
	r.Get("/bots", handleListBots(svc))
	r.Get("/bots/count", handleCountBots(svc))
	r.Delete("/bots/{bot_id}", handleDeleteBot(svc))
	r.Post("/bots/{bot_id}/terminate", handleTerminateBot(svc))
	r.Post("/bots/{bot_id}/restart", handleRestartBot(svc))

	return r
}

func requestLogger(logger telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug(r.Context(), "http request", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

type submitRequest struct {
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	Dimensions     task.Dimensions   `json:"dimensions"`
	Priority       uint8             `json:"priority"`
	Tags           []string          `json:"tags"`
	ServiceAccount string            `json:"service_account"`
	ExpirationSecs int64             `json:"expiration_secs"`
	Idempotent     bool              `json:"idempotent"`
}

func handleSubmit(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in submitRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, task.Errorf(task.CodeInvalidArgument, "decode body: %v", err))
			return
		}
		req := &task.TaskRequest{
			Properties: task.TaskProperties{
				Command:    in.Command,
				Env:        in.Env,
				Dimensions: in.Dimensions,
				Idempotent: in.Idempotent,
			},
			Priority:       in.Priority,
			Tags:           in.Tags,
			ServiceAccount: in.ServiceAccount,
			ExpirationAt:   time.Now().Add(time.Duration(in.ExpirationSecs) * time.Second),
		}
		result, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleGetResult(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.GetResult(r.Context(), chi.URLParam(r, "task_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleGetRequest(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := svc.GetRequest(r.Context(), chi.URLParam(r, "task_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func handleGetStdout(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := svc.GetStdout(r.Context(), chi.URLParam(r, "task_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	}
}

func handleListRequests(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.RequestFilter{
			Tags:   r.URL.Query()["tag"],
			Cursor: r.URL.Query().Get("cursor"),
			Limit:  queryInt(r, "limit"),
		}
		page, err := svc.ListRequests(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleCountRequests(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.RequestFilter{Tags: r.URL.Query()["tag"]}
		n, err := svc.CountRequests(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"count": n})
	}
}

func handleCancel(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		killRunning := r.URL.Query().Get("kill_running") == "true"
		result, err := svc.Cancel(r.Context(), chi.URLParam(r, "task_id"), killRunning)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type bulkCancelRequest struct {
	JobID          string   `json:"job_id"`
	Tags           []string `json:"tags"`
	IncludeRunning bool     `json:"include_running"`
}

func handleBulkCancel(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in bulkCancelRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, task.Errorf(task.CodeInvalidArgument, "decode body: %v", err))
			return
		}
		result, err := svc.BulkCancel(r.Context(), in.JobID, core.BulkCancelInput{
			Tags:           in.Tags,
			IncludeRunning: in.IncludeRunning,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type handshakeRequest struct {
	Dimensions      task.Dimensions `json:"dimensions"`
	State           json.RawMessage `json:"state"`
	ReportedVersion string          `json:"version"`
}

func handleHandshake(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in handshakeRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, task.Errorf(task.CodeInvalidArgument, "decode body: %v", err))
			return
		}
		bot, err := svc.Handshake(r.Context(), core.PollInput{
			BotID:           chi.URLParam(r, "bot_id"),
			Dimensions:      in.Dimensions,
			State:           in.State,
			ReportedVersion: in.ReportedVersion,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bot)
	}
}

func handlePoll(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in handshakeRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, task.Errorf(task.CodeInvalidArgument, "decode body: %v", err))
			return
		}
		result, err := svc.BotPoll(r.Context(), core.PollInput{
			BotID:           chi.URLParam(r, "bot_id"),
			Dimensions:      in.Dimensions,
			State:           in.State,
			ReportedVersion: in.ReportedVersion,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type botUpdateRequest struct {
	CostUSD          float64 `json:"cost_usd"`
	Output           []byte  `json:"output"`
	OutputChunkStart int64   `json:"output_chunk_start"`
	HasOutput        bool    `json:"has_output"`
	ExitCode         int32   `json:"exit_code"`
	HasExit          bool    `json:"has_exit"`
	DurationMillis   int64   `json:"duration_millis"`
	HardTimeout      bool    `json:"hard_timeout"`
	IOTimeout        bool    `json:"io_timeout"`
}

func handleBotUpdate(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in botUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, task.Errorf(task.CodeInvalidArgument, "decode body: %v", err))
			return
		}
		result, err := svc.BotUpdate(r.Context(), chi.URLParam(r, "task_id"), scheduler.UpdateInput{
			CostUSD:          in.CostUSD,
			Output:           in.Output,
			OutputChunkStart: in.OutputChunkStart,
			HasOutput:        in.HasOutput,
			ExitCode:         in.ExitCode,
			HasExit:          in.HasExit,
			HardTimeoutFlag:  in.HardTimeout,
			IOTimeoutFlag:    in.IOTimeout,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleGetBot(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot, err := svc.GetBot(r.Context(), chi.URLParam(r, "bot_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bot)
	}
}

func handleListBots(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.BotFilter{Cursor: r.URL.Query().Get("cursor"), Limit: queryInt(r, "limit")}
		page, err := svc.ListBots(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleCountBots(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := svc.CountBots(r.Context(), store.BotFilter{})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handleDeleteBot(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteBot(r.Context(), chi.URLParam(r, "bot_id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleTerminateBot(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.TerminateBot(r.Context(), chi.URLParam(r, "bot_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, summary)
	}
}

func handleRestartBot(svc *core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.RestartBot(r.Context(), chi.URLParam(r, "bot_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, summary)
	}
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForCode(task.CodeOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForCode(code task.Code) int {
	switch code {
	case task.CodeInvalidArgument:
		return http.StatusBadRequest
	case task.CodeForbidden:
		return http.StatusForbidden
	case task.CodeNotFound:
		return http.StatusNotFound
	case task.CodeConflict:
		return http.StatusConflict
	case task.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case task.CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
