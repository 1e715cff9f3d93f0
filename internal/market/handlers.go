package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
)

// Handler exposes the market service over HTTP. Caller identity is
// resolved from the X-User-Id header (populated by the platform's auth
// layer) with a configurable offline stub fallback for local dev.
type Handler struct {
	svc         *Service
	admins      map[string]bool
	offlineUser string
}

// NewHandler creates an HTTP handler. adminEmails is the organizer
// allow-list; offlineUser is the stub identity used when no auth header
// is present (empty disables the fallback).
func NewHandler(svc *Service, adminEmails []string, offlineUser string) *Handler {
	admins := make(map[string]bool, len(adminEmails))
	for _, email := range adminEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			admins[email] = true
		}
	}
	return &Handler{svc: svc, admins: admins, offlineUser: offlineUser}
}

// Routes mounts the market endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/projects", h.ListProjects)
	r.Get("/snapshot", h.Snapshot)
	r.Post("/buy", h.Buy)
	r.Post("/sell", h.Sell)
	r.Get("/portfolio", h.Portfolio)
	r.Get("/trades", h.Trades)
	r.Get("/price-history", h.PriceHistory)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/project", h.AdminUpsertProject)
		r.Post("/seed", h.AdminSeedUpdate)
		r.Post("/phase-bump", h.AdminPhaseBump)
	})
}

// TradeBody is the JSON body for POST /buy and /sell.
type TradeBody struct {
	ProjectID string          `json:"projectId"`
	Shares    decimal.Decimal `json:"shares"`
}

// SeedUpdateBody is the JSON body for POST /admin/seed.
type SeedUpdateBody struct {
	ProjectID    string           `json:"projectId"`
	SeedDelta    *decimal.Decimal `json:"seedDelta,omitempty"`
	SeedAbsolute *decimal.Decimal `json:"seedAbsolute,omitempty"`
}

// PhaseBumpBody is the JSON body for POST /admin/phase-bump.
type PhaseBumpBody struct {
	ProjectID  string           `json:"projectId"`
	BumpType   string           `json:"bumpType"`
	Multiplier *decimal.Decimal `json:"multiplier,omitempty"`
	Delta      *decimal.Decimal `json:"delta,omitempty"`
}

func (h *Handler) userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return id
	}
	return h.offlineUser
}

// requireAdmin gates organizer endpoints on the email allow-list.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Email")))
		if email == "" || !h.admins[email] {
			writeError(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, side string) {
	var body TradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	userID := h.userID(r)
	if userID == "" {
		writeError(w, "caller identity required", http.StatusUnauthorized)
		return
	}

	result, err := h.svc.ExecuteTrade(r.Context(), userID, body.ProjectID, side, body.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Buy handles POST /btx/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, model.SideBuy)
}

// Sell handles POST /btx/sell.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, model.SideSell)
}

// ListProjects handles GET /btx/projects?eventId=.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.ListProjects(r.Context(), r.URL.Query().Get("eventId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// Snapshot handles GET /btx/snapshot?eventId=.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.Snapshot(r.Context(), r.URL.Query().Get("eventId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// Portfolio handles GET /btx/portfolio?eventId=.
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, "caller identity required", http.StatusUnauthorized)
		return
	}
	portfolio, err := h.svc.Portfolio(r.Context(), userID, r.URL.Query().Get("eventId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// Trades handles GET /btx/trades?projectId=&limit=.
func (h *Handler) Trades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	trades, err := h.svc.Trades(r.Context(), r.URL.Query().Get("projectId"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// PriceHistory handles GET /btx/price-history?projectId=&limit=&since=.
func (h *Handler) PriceHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	points, err := h.svc.PriceHistory(r.Context(),
		r.URL.Query().Get("projectId"), limit, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// AdminUpsertProject handles POST /btx/admin/project.
func (h *Handler) AdminUpsertProject(w http.ResponseWriter, r *http.Request) {
	var body UpsertProjectInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	project, err := h.svc.UpsertProject(r.Context(), body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// AdminSeedUpdate handles POST /btx/admin/seed.
func (h *Handler) AdminSeedUpdate(w http.ResponseWriter, r *http.Request) {
	var body SeedUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	project, err := h.svc.ApplySeedUpdate(r.Context(), body.ProjectID, body.SeedDelta, body.SeedAbsolute)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// AdminPhaseBump handles POST /btx/admin/phase-bump.
func (h *Handler) AdminPhaseBump(w http.ResponseWriter, r *http.Request) {
	var body PhaseBumpBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	project, err := h.svc.ApplyPhaseBump(r.Context(), body.ProjectID, body.BumpType, body.Multiplier, body.Delta)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// writeServiceError maps the error taxonomy onto HTTP statuses. Commit
// failures fall through to 500: nothing was charged and the caller may
// safely retry.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInactiveProject),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
