// Package httpapi exposes the check-in engine over a JSON REST surface
// plus one SSE stream for live batch progress.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/checkin/apiclient"
	"github.com/hazyhaar/checkin/shield"
	"github.com/hazyhaar/checkin/store"
	"github.com/hazyhaar/checkin/tasktrack"
	"github.com/hazyhaar/checkin/worker"
)

// Runner is the per-account operation surface, satisfied by
// *worker.Worker.
type Runner interface {
	Checkin(ctx context.Context, acct *store.Account, cfg worker.RunConfig) *worker.Outcome
	Test(ctx context.Context, acct *store.Account, cfg worker.RunConfig) (bool, string, error)
	RefreshBalance(ctx context.Context, acct *store.Account) (*apiclient.UserInfo, error)
}

// Reloader re-reads the schedule after a settings change. Satisfied by
// *sched.Scheduler.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Server wires the handlers.
type Server struct {
	store   *store.Store
	runner  Runner
	tracker *tasktrack.Tracker
	sched   Reloader
	logger  *slog.Logger

	// baseCtx parents async batches so they outlive the request that
	// started them but still stop at process shutdown.
	baseCtx context.Context

	// pause is the randomized gap between accounts in a synchronous
	// run-all. Swapped out by tests.
	pause func(ctx context.Context) bool
}

// New creates a Server. sched may be nil when no scheduler runs (tests).
func New(baseCtx context.Context, st *store.Store, runner Runner, tracker *tasktrack.Tracker, sched Reloader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		store:   st,
		runner:  runner,
		tracker: tracker,
		sched:   sched,
		logger:  logger,
		baseCtx: baseCtx,
		pause:   accountPause,
	}
}

// accountPause sleeps a randomized 1–4s so consecutive accounts in a
// synchronous batch never hit the gateways as a burst. Returns false
// when ctx was cancelled during the sleep.
func accountPause(ctx context.Context) bool {
	d := time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Router builds the chi router with the shield stack applied.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	rl := shield.NewRateLimiter(map[string]shield.RateLimitConfig{
		"POST /api/checkin/run-all":       {MaxRequests: 6, WindowSeconds: 60},
		"POST /api/checkin/run-all-async": {MaxRequests: 6, WindowSeconds: 60},
	})
	r.Use(rl.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/checkin", func(r chi.Router) {
			r.Post("/run/{id}", s.handleRunOne)
			r.Post("/run-all", s.handleRunAll)
			r.Post("/run-all-async", s.handleRunAllAsync)
			r.Get("/progress/{taskID}", s.handleProgress)
			r.Get("/task/{taskID}", s.handleTask)
			r.Post("/cancel/{taskID}", s.handleCancel)
			r.Get("/status", s.handleStatus)
			r.Get("/logs", s.handleLogs)
		})
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Post("/test", s.handleTest)
			r.Post("/refresh", s.handleRefresh)
		})
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// runConfig snapshots the per-run settings.
func (s *Server) runConfig(ctx context.Context) worker.RunConfig {
	return worker.RunConfig{
		CheckinPath: s.store.Setting(ctx, store.KeyCheckinPath, store.DefaultCheckinPath),
	}
}

// account loads an id path param's account, writing the error response
// itself on failure.
func (s *Server) account(w http.ResponseWriter, r *http.Request) *store.Account {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account id"))
		return nil
	}
	acct, err := s.store.Account(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %d not found", id))
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil
	}
	return acct
}

type outcomeResponse struct {
	AccountID   int64  `json:"account_id"`
	Name        string `json:"name"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	UsedBrowser bool   `json:"used_browser"`
	QuotaBefore string `json:"quota_before,omitempty"`
	QuotaAfter  string `json:"quota_after,omitempty"`
}

func toResponse(out *worker.Outcome) outcomeResponse {
	return outcomeResponse{
		AccountID:   out.AccountID,
		Name:        out.AccountName,
		Success:     out.Success,
		Message:     out.Message,
		UsedBrowser: out.UsedBrowser,
		QuotaBefore: out.QuotaBefore,
		QuotaAfter:  out.QuotaAfter,
	}
}

func (s *Server) handleRunOne(w http.ResponseWriter, r *http.Request) {
	acct := s.account(w, r)
	if acct == nil {
		return
	}
	if !acct.Enabled {
		writeError(w, http.StatusConflict, fmt.Errorf("account %d is disabled", acct.ID))
		return
	}
	out := s.runner.Checkin(r.Context(), acct, s.runConfig(r.Context()))
	writeJSON(w, http.StatusOK, toResponse(out))
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.EnabledAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(accounts) == 0 {
		writeError(w, http.StatusConflict, fmt.Errorf("no enabled accounts"))
		return
	}
	cfg := s.runConfig(r.Context())

	results := make([]outcomeResponse, 0, len(accounts))
	succeeded := 0
	for i, acct := range accounts {
		if r.Context().Err() != nil {
			break
		}
		if i > 0 && !s.pause(r.Context()) {
			break
		}
		out := s.runner.Checkin(r.Context(), acct, cfg)
		if out.Success {
			succeeded++
		}
		results = append(results, toResponse(out))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(accounts),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"results":   results,
	})
}

func (s *Server) handleRunAllAsync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountIDs []int64 `json:"account_ids"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	var accounts []*store.Account
	var err error
	if len(req.AccountIDs) > 0 {
		accounts, err = s.store.EnabledAccountsByIDs(r.Context(), req.AccountIDs)
	} else {
		accounts, err = s.store.EnabledAccounts(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(accounts) == 0 {
		writeError(w, http.StatusConflict, fmt.Errorf("no enabled accounts"))
		return
	}

	taskID, err := s.tracker.Start(s.baseCtx, accounts, s.runConfig(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"total":   len(accounts),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.Snapshot(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Cancel(chi.URLParam(r, "taskID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleProgress streams task snapshots as SSE. Every event carries the
// full snapshot, so clients need no reconciliation logic.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	ch, unsubscribe, err := s.tracker.Subscribe(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("httpapi: encode snapshot", "error", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	acct := s.account(w, r)
	if acct == nil {
		return
	}
	ok, message, err := s.runner.Test(r.Context(), acct, s.runConfig(r.Context()))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "message": message})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	acct := s.account(w, r)
	if acct == nil {
		return
	}
	info, err := s.runner.RefreshBalance(r.Context(), acct)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.StatusSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LogFilter{Status: q.Get("status")}
	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account_id"))
			return
		}
		filter.AccountID = id
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	logs, total, err := s.store.Logs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type logRow struct {
		ID          int64  `json:"id"`
		AccountID   int64  `json:"account_id"`
		AccountName string `json:"account_name"`
		Status      string `json:"status"`
		Message     string `json:"message"`
		QuotaBefore string `json:"quota_before,omitempty"`
		QuotaAfter  string `json:"quota_after,omitempty"`
		CreatedAt   string `json:"created_at"`
	}
	rows := make([]logRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, logRow{
			ID: l.ID, AccountID: l.AccountID, AccountName: l.AccountName,
			Status: l.Status, Message: l.Message,
			QuotaBefore: l.QuotaBefore, QuotaAfter: l.QuotaAfter,
			CreatedAt: l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": rows, "total": total})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.AllSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings validates the whole payload before applying any of
// it, so a partially bad update changes nothing.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no settings in payload"))
		return
	}
	for key, value := range req {
		if key == store.KeyEncryptKey || key == store.KeyEncryptSalt {
			writeError(w, http.StatusBadRequest, fmt.Errorf("setting %q cannot be changed over the API", key))
			return
		}
		if err := store.ValidateSetting(key, value); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	for key, value := range req {
		if err := s.store.SetSetting(r.Context(), key, value); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	if s.sched != nil {
		if err := s.sched.Reload(r.Context()); err != nil {
			// Settings are saved; report the schedule problem.
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
