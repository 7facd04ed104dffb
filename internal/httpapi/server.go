package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/pagevoice/internal/ledger"
	"github.com/ent0n29/pagevoice/internal/negotiator"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/preload"
	"github.com/ent0n29/pagevoice/internal/proxy"
	"github.com/ent0n29/pagevoice/internal/session"
)

// Relay serves one upgraded realtime socket. Implemented by proxy.Proxy.
type Relay interface {
	Serve(ctx context.Context, client *websocket.Conn) error
}

// Preloader is the subset of the preload cache the API drives.
type Preloader interface {
	Trigger(contentID string) bool
	Status(contentID string) (preload.Status, bool)
	Audio(ctx context.Context, contentID string) ([]byte, error)
	Session(ctx context.Context, contentID string) (negotiator.Credential, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	AllowAnyOrigin bool
	Gatherer       prometheus.Gatherer
	// Checks are probed by /readyz, keyed by dependency name.
	Checks map[string]Pinger
	Logger *slog.Logger
}

type Server struct {
	relay    Relay
	preload  Preloader
	sessions *session.Manager
	ledger   ledger.Store
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	checks   map[string]Pinger
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(relay Relay, preloader Preloader, sessions *session.Manager, store ledger.Store, metrics *observability.Metrics, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	allowAny := opts.AllowAnyOrigin
	return &Server{
		relay:    relay,
		preload:  preloader,
		sessions: sessions,
		ledger:   store,
		metrics:  metrics,
		gatherer: gatherer,
		checks:   opts.Checks,
		logger:   logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a realtime session.
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/preload", s.handlePreload)
	r.Get("/v1/preload/{contentID}", s.handlePreloadStatus)
	r.Post("/v1/talk-session", s.handleTalkSession)
	r.Get("/v1/greeting/{contentID}", s.handleGreeting)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/recent", s.handleRecentSessions)

	r.Get("/ws/realtime", s.handleRealtimeWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"ledger_mode": s.ledgerMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status":      state,
		"checks":      results,
		"ledger_mode": s.ledgerMode(),
	})
}

type contentRequest struct {
	ContentID string `json:"content_id"`
	// PageName is the field name used by older page embeds.
	PageName string `json:"page_name"`
}

func (r contentRequest) id() string {
	if id := strings.TrimSpace(r.ContentID); id != "" {
		return id
	}
	return strings.TrimSpace(r.PageName)
}

type preloadResponse struct {
	Started bool `json:"started"`
	preload.Status
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	contentID := req.id()
	if contentID == "" {
		respondError(w, http.StatusBadRequest, "missing_content_id", "content_id is required")
		return
	}
	started := s.preload.Trigger(contentID)
	st, _ := s.preload.Status(contentID)
	respondJSON(w, http.StatusAccepted, preloadResponse{Started: started, Status: st})
}

func (s *Server) handlePreloadStatus(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	st, ok := s.preload.Status(contentID)
	if !ok {
		respondError(w, http.StatusNotFound, "preload_not_found", "no preload for "+contentID)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleTalkSession(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	contentID := req.id()
	if contentID == "" {
		respondError(w, http.StatusBadRequest, "missing_content_id", "content_id is required")
		return
	}
	cred, err := s.preload.Session(r.Context(), contentID)
	if err != nil {
		s.logger.Warn("talk session negotiation failed", "content_id", contentID, "error", err)
		respondError(w, http.StatusBadGateway, proxy.ErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cred)
}

func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	audio, err := s.preload.Audio(r.Context(), contentID)
	if err != nil {
		s.logger.Warn("greeting fetch failed", "content_id", contentID, "error", err)
		respondError(w, http.StatusBadGateway, "greeting_unavailable", err.Error())
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(audio))
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := []*session.Session{}
	if s.sessions != nil {
		list = s.sessions.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active":   s.activeCount(),
		"sessions": list,
	})
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		respondJSON(w, http.StatusOK, map[string]any{"records": []ledger.Record{}})
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	records, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"mode":    s.ledger.Mode(),
		"records": records,
	})
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime proxy not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := s.relay.Serve(r.Context(), conn); err != nil {
		s.logger.Info("realtime session ended with error", "code", proxy.ErrorCode(err), "error", err)
	}
}

func (s *Server) activeCount() int {
	if s.sessions == nil {
		return 0
	}
	return s.sessions.ActiveCount()
}

func (s *Server) ledgerMode() string {
	if s.ledger == nil {
		return "disabled"
	}
	return s.ledger.Mode()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
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
