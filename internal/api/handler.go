package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxBodyBytes bounds request bodies read by the API.
const maxBodyBytes = 1 << 20

// Evaluator runs one evaluation. *pipeline.Pipeline satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, in *domain.EventRequest) (*domain.Evaluation, error)
}

// Dependencies are the collaborators of the API handlers.
// Cache and Bus are optional and only affect health reporting and replay.
type Dependencies struct {
	Pipeline       Evaluator
	Repo           domain.Repository
	Engine         *rules.Engine
	Cache          domain.Cache
	Bus            domain.EventBus
	IdempotencyTTL time.Duration
	Version        string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline    Evaluator
	repo        domain.Repository
	engine      *rules.Engine
	cache       domain.Cache
	bus         domain.EventBus
	idempotency *cache.IdempotencyStore
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	h := &Handler{
		pipeline: deps.Pipeline,
		repo:     deps.Repo,
		engine:   deps.Engine,
		cache:    deps.Cache,
		bus:      deps.Bus,
		version:  deps.Version,
	}
	if deps.Cache != nil {
		h.idempotency = cache.NewIdempotencyStore(deps.Cache, deps.IdempotencyTTL)
	}
	return h
}

type errorResponse struct {
	Error string `json:"error"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	var req domain.EventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	var requestHash string
	if key != "" && h.idempotency != nil {
		requestHash = cache.HashRequest(body)
		stored, err := h.idempotency.Lookup(ctx, key, requestHash)
		switch {
		case errors.Is(err, cache.ErrKeyReused):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
			return
		case err != nil:
			// A cache outage degrades to a plain evaluation.
			slog.Warn("idempotency lookup failed", "error", err)
		case stored != nil:
			metrics.IdempotentReplaysTotal.Inc()
			w.Header().Set(IdempotentReplayHeader, "true")
			writeRaw(w, stored.StatusCode, stored.Body)
			return
		}
	}

	eval, err := h.pipeline.Evaluate(ctx, &req)
	if err != nil {
		slog.Error("evaluation failed",
			"subject_id", req.UserID,
			"event", req.Event,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		writeError(w, err)
		return
	}

	resp, err := json.Marshal(eval.ToResponse())
	if err != nil {
		writeError(w, err)
		return
	}

	if requestHash != "" {
		if err := h.idempotency.Store(ctx, key, &cache.StoredResponse{
			StatusCode:  http.StatusOK,
			Body:        resp,
			RequestHash: requestHash,
		}); err != nil {
			slog.Warn("failed to store idempotent response", "error", err)
		}
	}

	writeRaw(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("eventBus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListSignals handles GET /signals. Optional query: subjectId, limit.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	filter := domain.SignalFilter{SubjectID: r.URL.Query().Get("subjectId")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	signals, err := h.repo.ListUnresolved(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list signals", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"signals": signals,
		"count":   len(signals),
	})
}

// GetSignal handles GET /signals/{id}.
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	signal, err := h.repo.GetSignal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signal)
}

// ResolveSignal handles POST /signals/{id}/resolve.
func (h *Handler) ResolveSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.repo.ResolveSignal(ctx, id); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to resolve signal", "signal_id", id, "error", err)
		}
		writeError(w, err)
		return
	}
	metrics.SignalsResolvedTotal.Inc()

	signal, err := h.repo.GetSignal(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("signal resolved", "signal_id", id, "subject_id", signal.SubjectID)
	writeJSON(w, http.StatusOK, signal)
}

// GetAccount handles GET /accounts/{id}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.repo.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// PutAccountRequest is the request body for PUT /accounts/{id}.
type PutAccountRequest struct {
	IsActive           *bool  `json:"isActive"`
	VerificationStatus string `json:"verificationStatus"`
}

// PutAccount handles PUT /accounts/{id}. It is the administrative way to
// register an account or lift a suspension; evaluations never create accounts.
func (h *Handler) PutAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req PutAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	account := &domain.AccountState{
		SubjectID:          id,
		IsActive:           true,
		VerificationStatus: req.VerificationStatus,
	}
	if req.IsActive != nil {
		account.IsActive = *req.IsActive
	}

	if err := h.repo.UpsertAccount(ctx, account); err != nil {
		slog.Error("failed to upsert account", "subject_id", id, "error", err)
		writeError(w, err)
		return
	}

	stored, err := h.repo.GetAccount(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("account updated", "subject_id", id, "is_active", stored.IsActive)
	writeJSON(w, http.StatusOK, stored)
}

// ListRules returns the operator rules loaded in the engine and the names of
// the compiled-in rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":    loaded,
		"count":    len(loaded),
		"builtins": h.engine.BuiltinNames(),
	})
}

// GetRule retrieves a rule by ID. Loaded rules win over stored ones so a
// rule saved but not yet reloaded is still visible.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	rule, err := h.repo.GetRuleConfig(r.Context(), ruleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	EventTypes   []string `json:"eventTypes"`
	Expression   string   `json:"expression"`
	Contribution int      `json:"contribution"`
	Enabled      bool     `json:"enabled"`
}

// CreateRule validates a rule and saves it to the database.
// Call POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id, name, and expression are required"})
		return
	}

	eventTypes := make([]domain.EventType, 0, len(req.EventTypes))
	for _, et := range req.EventTypes {
		eventTypes = append(eventTypes, domain.ParseEventType(et))
	}

	ruleConfig := &domain.RuleConfig{
		ID:           req.ID,
		Name:         req.Name,
		Description:  req.Description,
		Version:      "1.0.0",
		EventTypes:   eventTypes,
		Expression:   req.Expression,
		Contribution: req.Contribution,
		Enabled:      req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid rule: " + err.Error()})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to save rule"})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	dbRules, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load rules from database"})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to reload rules: " + err.Error()})
		return
	}

	slog.Info("rules reloaded from database", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// writeError maps domain errors onto status codes. Storage failures are
// reported without their internal detail.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "evaluation timed out"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
