package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/config"
	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/orchestrator"
)

// ClientHeader names the caller's presentation context. Requests without it
// are grouped by remote host.
const ClientHeader = "X-Fancall-Client"

// OrchestratorFactory builds the orchestrator for one client.
type OrchestratorFactory func() *orchestrator.Orchestrator

type Server struct {
	cfg      config.Config
	newOrch  OrchestratorFactory
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	orch *orchestrator.Orchestrator
	refs int
}

func New(cfg config.Config, newOrch OrchestratorFactory, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		newOrch: newOrch,
		metrics: metrics,
		logger:  logger.With("component", "httpapi"),
		clients: make(map[string]*clientEntry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	r.Use(observability.RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/perf/startup", s.handlePerfStartup)

	r.Post("/v1/calls", s.handleStartCall)
	r.Get("/v1/calls/{roomId}/ws", s.handleCallWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status, code := "ready", http.StatusOK
	if s.newOrch == nil {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"live_room_api":   s.cfg.LiveRoomAPIBaseURL,
		"media_server":    s.cfg.LiveKitWSURL,
		"active_starts":   s.activeStarts(),
		"language_prefix": s.cfg.Language,
	})
}

type startCallResponse struct {
	RoomID   string                  `json:"roomId"`
	RoomPath string                  `json:"roomPath"`
	Dispatch liveroom.DispatchRecord `json:"dispatch"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	if s.newOrch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req liveroom.AgentDispatchRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	key := clientKey(r)
	orch := s.acquire(key)
	defer s.release(key)

	res, err := orch.StartNew(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrStartInProgress):
		respondError(w, http.StatusConflict, "start_in_progress", err.Error())
		return
	case errors.Is(err, context.Canceled):
		return
	default:
		respondCallError(w, err)
		return
	}

	w.Header().Set("Location", res.RoomPath)
	respondJSON(w, http.StatusCreated, startCallResponse{
		RoomID:   res.Room.ID,
		RoomPath: res.RoomPath,
		Dispatch: res.Dispatch,
	})
}

// acquire returns the orchestrator shared by all requests of one client.
func (s *Server) acquire(key string) *orchestrator.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.clients[key]
	if !ok {
		e = &clientEntry{orch: s.newOrch()}
		s.clients[key] = e
	}
	e.refs++
	return e.orch
}

func (s *Server) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.clients[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(s.clients, key)
	}
}

func (s *Server) activeStarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.clients {
		if e.orch.Starting() {
			n++
		}
	}
	return n
}

func clientKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(ClientHeader)); v != "" {
		return "client:" + v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func respondCallError(w http.ResponseWriter, err error) {
	kind, ok := call.KindOf(err)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := http.StatusBadGateway
	if errors.Is(err, liveroom.ErrInvalidRoomID) || errors.Is(err, liveroom.ErrMissingRoomID) {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      string(kind),
		Retryable: retryable(err),
	})
}

func retryable(err error) bool {
	if liveroom.IsRetryable(err) {
		return true
	}
	var apiErr *liveroom.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	return call.IsKind(err, call.KindChatSend) || call.IsKind(err, call.KindConnection)
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
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
