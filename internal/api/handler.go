package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/himatecorp2025/dingleup-engine/internal/balance"
	"github.com/himatecorp2025/dingleup-engine/internal/domain"
	"github.com/himatecorp2025/dingleup-engine/internal/ledger"
	"github.com/himatecorp2025/dingleup-engine/internal/reward"
	"github.com/himatecorp2025/dingleup-engine/internal/token"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reward_engine_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	credits       *ledger.Service
	tokens        *token.Registry
	rewards       *reward.Coordinator
	balances      *balance.ReadModel
	log           *zap.SugaredLogger
	authSecret    string
	internalToken string
}

func NewHandler(credits *ledger.Service, tokens *token.Registry, rewards *reward.Coordinator, balances *balance.ReadModel, log *zap.SugaredLogger, authSecret, internalToken string) *Handler {
	return &Handler{
		credits:       credits,
		tokens:        tokens,
		rewards:       rewards,
		balances:      balances,
		log:           log,
		authSecret:    authSecret,
		internalToken: internalToken,
	}
}

// Register wires every route onto the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/credits", h.RequireInternal(h.CreditHandler)).Methods("POST")
	v1.HandleFunc("/purchases", h.RequireInternal(h.PurchaseHandler)).Methods("POST")
	v1.HandleFunc("/tokens", h.RequireInternal(h.GrantTokenHandler)).Methods("POST")
	v1.HandleFunc("/tokens/activate", h.RequireUser(h.ActivateTokenHandler)).Methods("POST")
	v1.HandleFunc("/reward-sessions", h.RequireUser(h.StartSessionHandler)).Methods("POST")
	v1.HandleFunc("/reward-sessions/{id}/complete", h.RequireUser(h.CompleteSessionHandler)).Methods("POST")
	v1.HandleFunc("/balance", h.RequireUser(h.GetBalanceHandler)).Methods("GET")
	v1.HandleFunc("/ledger", h.RequireUser(h.GetLedgerHandler)).Methods("GET")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type creditRequest struct {
	UserID         int64             `json:"user_id"`
	DeltaCoins     int64             `json:"delta_coins"`
	DeltaLives     int64             `json:"delta_lives"`
	Source         string            `json:"source"`
	IdempotencyKey string            `json:"idempotency_key"`
	CorrelationID  string            `json:"correlation_id"`
	Metadata       map[string]string `json:"metadata"`
}

func (h *Handler) CreditHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/credits"))
	defer timer.ObserveDuration()

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/credits")
		return
	}

	res, err := h.credits.Credit(r.Context(), ledger.Request{
		UserID:         req.UserID,
		DeltaCoins:     req.DeltaCoins,
		DeltaLives:     req.DeltaLives,
		Source:         domain.CreditSource(req.Source),
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.mapError(w, err, "POST", "/credits")
		return
	}

	status := http.StatusCreated
	if !res.Applied {
		status = http.StatusOK
	}
	h.respondJSON(w, status, res, "POST", "/credits")
}

func (h *Handler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/purchases"))
	defer timer.ObserveDuration()

	var fact domain.PaymentFact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/purchases")
		return
	}

	res, err := h.credits.CreditPurchase(r.Context(), fact)
	if err != nil {
		h.mapError(w, err, "POST", "/purchases")
		return
	}

	status := http.StatusCreated
	if !res.Applied {
		status = http.StatusOK
	}
	h.respondJSON(w, status, res, "POST", "/purchases")
}

type grantTokenRequest struct {
	UserID          int64  `json:"user_id"`
	DurationMinutes int    `json:"duration_minutes"`
	Source          string `json:"source"`
}

func (h *Handler) GrantTokenHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/tokens"))
	defer timer.ObserveDuration()

	var req grantTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/tokens")
		return
	}

	t, err := h.tokens.Grant(r.Context(), req.UserID, req.DurationMinutes, domain.CreditSource(req.Source))
	if err != nil {
		h.mapError(w, err, "POST", "/tokens")
		return
	}
	h.respondJSON(w, http.StatusCreated, t, "POST", "/tokens")
}

func (h *Handler) ActivateTokenHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/tokens/activate"))
	defer timer.ObserveDuration()

	res, err := h.tokens.Activate(r.Context(), userID(r.Context()))
	if err != nil {
		h.mapError(w, err, "POST", "/tokens/activate")
		return
	}
	h.respondJSON(w, http.StatusOK, res, "POST", "/tokens/activate")
}

type startSessionRequest struct {
	EventType      string `json:"event_type"`
	OriginalReward int64  `json:"original_reward"`
}

func (h *Handler) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/reward-sessions"))
	defer timer.ObserveDuration()

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/reward-sessions")
		return
	}

	s, err := h.rewards.Start(r.Context(), userID(r.Context()), domain.EventType(req.EventType), req.OriginalReward)
	if err != nil {
		h.mapError(w, err, "POST", "/reward-sessions")
		return
	}
	h.respondJSON(w, http.StatusCreated, s, "POST", "/reward-sessions")
}

type completeSessionRequest struct {
	WatchedItemIDs []string `json:"watched_item_ids"`
}

func (h *Handler) CompleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/reward-sessions/{id}/complete"))
	defer timer.ObserveDuration()

	var req completeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/reward-sessions/{id}/complete")
		return
	}

	sessionID := mux.Vars(r)["id"]
	res, err := h.rewards.Complete(r.Context(), userID(r.Context()), sessionID, req.WatchedItemIDs)
	if err != nil {
		h.mapError(w, err, "POST", "/reward-sessions/{id}/complete")
		return
	}
	h.respondJSON(w, http.StatusOK, res, "POST", "/reward-sessions/{id}/complete")
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/balance"))
	defer timer.ObserveDuration()

	var clientTS *time.Time
	if raw := r.URL.Query().Get("client_ts"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "client_ts must be unix milliseconds", "GET", "/balance")
			return
		}
		t := time.UnixMilli(ms).UTC()
		clientTS = &t
	}

	view, err := h.balances.GetBalance(r.Context(), userID(r.Context()), clientTS)
	if err != nil {
		h.mapError(w, err, "GET", "/balance")
		return
	}
	h.respondJSON(w, http.StatusOK, view, "GET", "/balance")
}

func (h *Handler) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/ledger"))
	defer timer.ObserveDuration()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.credits.RecentEntries(r.Context(), userID(r.Context()), limit)
	if err != nil {
		h.mapError(w, err, "GET", "/ledger")
		return
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", "/ledger")
}

// errorBody carries a machine-readable code next to the human message so
// the client can render actionable states.
type errorBody struct {
	Error            string `json:"error"`
	Code             string `json:"code,omitempty"`
	RemainingMinutes int    `json:"remaining_minutes,omitempty"`
	RequiredWatched  int    `json:"required_watched,omitempty"`
}

func (h *Handler) mapError(w http.ResponseWriter, err error, method, endpoint string) {
	var vErr *domain.ValidationError
	var activeErr *domain.ActiveTokenError
	var watchedErr *domain.InsufficientWatchedError

	switch {
	case errors.As(err, &vErr):
		h.respondJSONError(w, http.StatusUnprocessableEntity, errorBody{Error: vErr.Error(), Code: "VALIDATION"}, method, endpoint)
	case errors.As(err, &activeErr):
		h.respondJSONError(w, http.StatusConflict, errorBody{
			Error:            activeErr.Error(),
			Code:             "ACTIVE_TOKEN_EXISTS",
			RemainingMinutes: activeErr.RemainingMinutes,
		}, method, endpoint)
	case errors.As(err, &watchedErr):
		h.respondJSONError(w, http.StatusConflict, errorBody{
			Error:           watchedErr.Error(),
			Code:            "INSUFFICIENT_WATCHED",
			RequiredWatched: watchedErr.Required,
		}, method, endpoint)
	case errors.Is(err, domain.ErrNoUnusedTokens):
		h.respondJSONError(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "NO_UNUSED_TOKENS"}, method, endpoint)
	case errors.Is(err, domain.ErrNoItemsAvailable):
		h.respondJSONError(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "NO_ITEMS_AVAILABLE"}, method, endpoint)
	case errors.Is(err, domain.ErrSessionNotFound):
		h.respondJSONError(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "SESSION_NOT_FOUND"}, method, endpoint)
	case errors.Is(err, domain.ErrSessionExpired):
		h.respondJSONError(w, http.StatusGone, errorBody{Error: err.Error(), Code: "SESSION_EXPIRED"}, method, endpoint)
	case errors.Is(err, domain.ErrUserNotFound):
		h.respondJSONError(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "USER_NOT_FOUND"}, method, endpoint)
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.log.Errorw("store unavailable", "endpoint", endpoint, "err", err)
		h.respondJSONError(w, http.StatusServiceUnavailable, errorBody{Error: "Temporarily unavailable, retry safely with the same key", Code: "STORE_UNAVAILABLE"}, method, endpoint)
	default:
		h.log.Errorw("unhandled error", "endpoint", endpoint, "err", err)
		h.respondJSONError(w, http.StatusInternalServerError, errorBody{Error: "Internal Server Error"}, method, endpoint)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondJSONError(w http.ResponseWriter, code int, body errorBody, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, body)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithError(w, code, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
