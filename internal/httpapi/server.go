package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/observability"
	"github.com/antoniostano/memoryd/internal/prompt"
	"github.com/antoniostano/memoryd/internal/summarize"
)

const (
	defaultHistoryLimit   = 50
	defaultSummariesLimit = 5
	maxBodyBytes          = 1 << 20

	// statusClientClosedRequest is the nginx convention for a caller that went away.
	statusClientClosedRequest = 499
)

// Engine is the memory engine as seen by the HTTP layer.
type Engine interface {
	AddTurn(ctx context.Context, conversationID string, role memory.Role, content string) (memory.Turn, error)
	AddExchange(ctx context.Context, conversationID, userText, assistantText string) ([]memory.Turn, error)
	History(ctx context.Context, conversationID string, limit int) ([]memory.Turn, error)
	Assemble(ctx context.Context, conversationID, preamble, query string, maxTokens int) (prompt.Assembly, error)
	Clear(ctx context.Context, conversationID string) error
	DeleteLastExchange(ctx context.Context, conversationID string) ([]int64, error)
	RecentSummaries(ctx context.Context, conversationID string, limit int) ([]string, error)
	Summarize(ctx context.Context, conversationID string) (summarize.Outcome, error)
	SinceSummary(conversationID string) int
	SummaryThreshold() int
	Admit(ctx context.Context, userID string) (bool, error)
	RateInterval() time.Duration
}

// Prober reports whether the completion service answers.
type Prober interface {
	Online(ctx context.Context) bool
}

type Server struct {
	engine  Engine
	prober  Prober
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New returns a Server. prober and metrics may be nil.
func New(engine Engine, prober Prober, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		prober:  prober,
		metrics: metrics,
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/conversations/{id}", func(r chi.Router) {
		r.Post("/turns", s.handleAddTurn)
		r.Get("/turns", s.handleHistory)
		r.Post("/exchanges", s.handleAddExchange)
		r.Post("/context", s.handleBuildContext)
		r.Delete("/", s.handleClear)
		r.Delete("/last-exchange", s.handleDeleteLastExchange)
		r.Get("/summaries", s.handleSummaries)
		r.Post("/summarize", s.handleSummarize)
	})
	r.Post("/v1/users/{id}/admit", s.handleAdmit)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	online := s.prober == nil || s.prober.Online(r.Context())
	if !online {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "degraded",
			"completion_online": false,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"completion_online": true,
	})
}

type addTurnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleAddTurn(w http.ResponseWriter, r *http.Request) {
	var req addTurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	role, err := memory.ParseRole(req.Role)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_role", err.Error())
		return
	}
	turn, err := s.engine.AddTurn(r.Context(), conversationID(r), role, req.Content)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, turn)
}

type addExchangeRequest struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

func (s *Server) handleAddExchange(w http.ResponseWriter, r *http.Request) {
	var req addExchangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	turns, err := s.engine.AddExchange(r.Context(), conversationID(r), req.User, req.Assistant)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"turns": turns})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	turns, err := s.engine.History(r.Context(), conversationID(r), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type buildContextRequest struct {
	Preamble  string `json:"preamble"`
	Query     string `json:"query"`
	MaxTokens int    `json:"max_tokens"`
}

func (s *Server) handleBuildContext(w http.ResponseWriter, r *http.Request) {
	var req buildContextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	a, err := s.engine.Assemble(r.Context(), conversationID(r), req.Preamble, req.Query, req.MaxTokens)
	if errors.Is(err, prompt.ErrBudgetExceeded) {
		respondError(w, http.StatusUnprocessableEntity, "budget_exceeded", err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Clear(r.Context(), conversationID(r)); err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (s *Server) handleDeleteLastExchange(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.DeleteLastExchange(r.Context(), conversationID(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted_ids": ids})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultSummariesLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	summaries, err := s.engine.RecentSummaries(r.Context(), conversationID(r), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	conv := conversationID(r)
	since := s.engine.SinceSummary(conv)
	outcome, err := s.engine.Summarize(r.Context(), conv)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	body := map[string]any{
		"outcome":       outcome,
		"since_summary": since,
		"threshold":     s.engine.SummaryThreshold(),
	}
	switch outcome {
	case summarize.OutcomeSummarized:
		respondJSON(w, http.StatusOK, body)
	default:
		respondJSON(w, http.StatusConflict, body)
	}
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	admitted, err := s.engine.Admit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !admitted {
		secs := int(s.engine.RateInterval().Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		respondError(w, http.StatusTooManyRequests, "rate_limited", "please wait before sending another message")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"admitted": true})
}

// internalError logs the cause and returns a generic 500 without internals.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Info().
			Str("request_id", w.Header().Get("X-Request-ID")).
			Str("path", r.URL.Path).
			Msg("client closed request")
		respondError(w, statusClientClosedRequest, "canceled", "request canceled")
		return
	}
	code := "internal"
	if errors.Is(err, memory.ErrStorageUnavailable) {
		code = "storage_unavailable"
	}
	s.logger.Error().Err(err).
		Str("request_id", w.Header().Get("X-Request-ID")).
		Str("path", r.URL.Path).
		Msg("request failed")
	respondError(w, http.StatusInternalServerError, code, "internal error")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func conversationID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
