package roomservice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/policy"
)

const (
	CodeRoomNotFound    = "ROOM_NOT_FOUND"
	CodeValidation      = "VALIDATION_ERROR"
	CodeDispatchFailed  = "DISPATCH_FAILED"
	CodeInternalError   = "INTERNAL_SERVER_ERROR"
	ServiceName         = "fancall"
	maxRequestBodyBytes = 64 << 10
)

// Options configures the HTTP server. Store, Tokens and Dispatcher are required.
type Options struct {
	Store      Store
	Tokens     *TokenIssuer
	Dispatcher Dispatcher
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

type Server struct {
	store      Store
	tokens     *TokenIssuer
	dispatcher Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      opts.Store,
		tokens:     opts.Tokens,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "roomservice"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observability.RequestLogger(s.logger))
	r.Use(allowAnyOrigin)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Post("/live-rooms", s.handleCreateRoom)
	r.Get("/live-rooms/{roomId}", s.handleGetRoom)
	r.Post("/live-rooms/{roomId}/token", s.handleGenerateToken)
	r.Post("/live-rooms/{roomId}/dispatch", s.handleDispatch)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": ServiceName})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.Create(r.Context())
	s.metrics.ObserveLiveRoomRequest("serve_create_room", err)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "live room created", "room", room.ID)
	respondJSON(w, http.StatusCreated, room)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.Get(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, room)
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.Touch(r.Context(), chi.URLParam(r, "roomId"))
	if err == nil {
		var tok liveroom.AccessToken
		tok, err = s.tokens.Issue(room.ID)
		s.metrics.ObserveLiveRoomRequest("serve_generate_token", err)
		if err == nil {
			s.logger.InfoContext(r.Context(), "token issued", "room", room.ID, "identity", tok.Identity)
			respondJSON(w, http.StatusOK, tok)
			return
		}
	}
	s.respondFailure(w, r, err)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req liveroom.AgentDispatchRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusUnprocessableEntity, CodeValidation, "Invalid request body: "+err.Error())
		return
	}
	decision := policy.ReviewDispatch(policy.DispatchFields{
		AvatarID:          req.AvatarID,
		ProfilePictureURL: req.ProfilePictureURL,
		IdleVideoURL:      req.IdleVideoURL,
		VoiceID:           req.VoiceID,
		SystemPrompt:      req.SystemPrompt,
	})
	if !decision.Allowed {
		respondError(w, http.StatusUnprocessableEntity, CodeValidation, decision.Reason)
		return
	}

	room, err := s.store.Touch(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	rec, err := s.dispatcher.Dispatch(r.Context(), room.ID, req)
	s.metrics.ObserveLiveRoomRequest("serve_dispatch_agent", err)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "agent dispatch failed", "room", room.ID, "error", err)
		respondError(w, http.StatusBadGateway, CodeDispatchFailed, "Agent dispatch failed")
		return
	}
	if rec.RoomName == "" {
		rec.RoomName = room.ID
	}
	s.logger.InfoContext(r.Context(), "agent dispatched",
		"room", room.ID, "dispatch", rec.DispatchID, "agent", rec.AgentName,
		"system_prompt", policy.RedactChat(req.SystemPrompt),
	)
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrRoomNotFound) {
		respondError(w, http.StatusNotFound, CodeRoomNotFound, "Live room not found")
		return
	}
	s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	respondError(w, http.StatusInternalServerError, CodeInternalError, "Internal Server Error")
}

// allowAnyOrigin answers CORS preflights and marks every response readable
// cross-origin.
func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
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

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, errorResponse{Status: status, Detail: strings.TrimSpace(detail), Code: code})
}
