// Package api serves the rank engine over HTTP: participant read models,
// balance events and admin triggers.
//
// All monetary values use shopspring/decimal and are encoded as strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/account"
	"github.com/atmx/rank-engine/internal/jobs"
	"github.com/atmx/rank-engine/internal/locker"
	"github.com/atmx/rank-engine/internal/profile"
	"github.com/atmx/rank-engine/internal/store"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	account *account.Service
	profile *profile.Service
	locker  *locker.Locker
	jobs    *jobs.Runner
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(acct *account.Service, prof *profile.Service, lk *locker.Locker, runner *jobs.Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{account: acct, profile: prof, locker: lk, jobs: runner, logger: logger}
}

// Routes mounts the API under r. admin wraps the admin routes, typically
// with RateLimit.
func (h *Handler) Routes(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Post("/participants", h.Register)
	r.Post("/deposits", h.Deposit)
	r.Post("/withdrawals", h.Withdraw)

	r.Route("/participants/{participantID}", func(r chi.Router) {
		r.Get("/", h.GetProfile)
		r.Get("/network", h.GetNetwork)
		r.Get("/commissions/summary", h.GetCommissionSummary)
		r.Get("/commissions", h.ListCommissions)
		r.Post("/activation", h.SetActivation)
	})

	r.Route("/admin", func(r chi.Router) {
		if admin != nil {
			r.Use(admin)
		}
		r.Post("/participants/{participantID}/reevaluate", h.Reevaluate)
		r.Post("/participants/{participantID}/unlock", h.Unlock)
		r.Post("/participants/{participantID}/resync", h.Resync)
		r.Post("/participants/{participantID}/reconcile", h.Reconcile)
		r.Post("/jobs/{kind}/run", h.RunJob)
	})
}

// --- Request types ---

// BalanceEventRequest is the JSON body for deposits and withdrawals. Callers
// that may redeliver should set EventID; a repeated id is acknowledged with
// "duplicate": true and not applied again.
type BalanceEventRequest = account.BalanceEvent

// ActivationRequest is the JSON body for POST .../activation.
type ActivationRequest struct {
	Active bool `json:"active"`
}

// UnlockRequest is the JSON body for POST .../unlock.
type UnlockRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- Events ---

// Register handles POST /api/v1/participants
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req account.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.account.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Deposit handles POST /api/v1/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBalanceEvent(w, r)
	if !ok {
		return
	}
	res, err := h.account.Deposit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Withdraw handles POST /api/v1/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBalanceEvent(w, r)
	if !ok {
		return
	}
	res, err := h.account.Withdraw(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBalanceEvent(w http.ResponseWriter, r *http.Request) (BalanceEventRequest, bool) {
	var req BalanceEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.ParticipantID == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return req, false
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// SetActivation handles POST /api/v1/participants/{participantID}/activation
func (h *Handler) SetActivation(w http.ResponseWriter, r *http.Request) {
	var req ActivationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.account.SetActive(r.Context(), chi.URLParam(r, "participantID"), req.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Read models ---

// GetProfile handles GET /api/v1/participants/{participantID}
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profile.Profile(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetNetwork handles GET /api/v1/participants/{participantID}/network
func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	net, err := h.profile.NetworkTree(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, net)
}

// GetCommissionSummary handles GET /api/v1/participants/{participantID}/commissions/summary
func (h *Handler) GetCommissionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.profile.CommissionSummary(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListCommissions handles GET /api/v1/participants/{participantID}/commissions?page=&page_size=
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, "page must be an integer", http.StatusBadRequest)
		return
	}
	size, err := queryInt(r, "page_size", profile.DefaultPageSize)
	if err != nil {
		writeError(w, "page_size must be an integer", http.StatusBadRequest)
		return
	}
	records, err := h.profile.RecentCommissions(r.Context(), chi.URLParam(r, "participantID"), page, size)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if records == nil {
		records = []profile.CommissionView{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Admin ---

// Reevaluate handles POST /api/v1/admin/participants/{participantID}/reevaluate
func (h *Handler) Reevaluate(w http.ResponseWriter, r *http.Request) {
	res, err := h.account.Reevaluate(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Unlock handles POST /api/v1/admin/participants/{participantID}/unlock
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.locker.Unlock(r.Context(), chi.URLParam(r, "participantID"), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resync handles POST /api/v1/admin/participants/{participantID}/resync
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	blocked, err := h.locker.ResyncBlockedBalance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant_id": id, "blocked_balance": blocked})
}

// Reconcile handles POST /api/v1/admin/participants/{participantID}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.account.Reconcile(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RunJob handles POST /api/v1/admin/jobs/{kind}/run. The run is detached
// from the request's cancellation so a dropped client does not abort it.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	kind := jobs.Kind(chi.URLParam(r, "kind"))
	summary, err := h.jobs.RunOnce(context.WithoutCancel(r.Context()), kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "summary": summary})
}

// --- Helpers ---

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, locker.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, account.ErrInsufficientFunds),
		errors.Is(err, locker.ErrInsufficientLockedBalance),
		errors.Is(err, jobs.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
