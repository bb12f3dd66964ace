package webadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/incoming"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/registry"
)

const (
	requestTimeout      = 5 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Server implements the AdminServer interface
type Server struct {
	backend  Backend
	hub      *Hub
	gatherer prometheus.Gatherer
	validate *validator.Validate
	logger   logging.Logger
}

// NewServer creates a new web admin server. gatherer may be nil, in which
// case /metrics is not served.
func NewServer(backend Backend, hub *Hub, gatherer prometheus.Gatherer, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		backend:  backend,
		hub:      hub,
		gatherer: gatherer,
		validate: validator.New(),
		logger:   logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCall)
		r.Post("/sessions/{id}/end", s.handleEnd)

		r.Get("/incoming", s.handleListIncoming)
		r.Post("/incoming/decide-all", s.handleDecideAll)
		r.Post("/incoming/{id}/decide", s.handleDecide)

		r.Get("/history", s.handleHistory)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves on port until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web admin server", logging.IntField("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "web admin server failed")
	case <-ctx.Done():
	}

	s.logger.Info("Stopping web admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.backend.Sessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.backend.Call(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.backend.End(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIncoming(w http.ResponseWriter, r *http.Request) {
	entries, err := s.backend.Incoming(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (incoming.Action, bool) {
	var req DecisionRequest
	if !s.decode(w, r, &req) {
		return 0, false
	}
	action, err := incoming.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, err)
		return 0, false
	}
	return action, true
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	action, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	if err := s.backend.Decide(r.Context(), id, action); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecideAll(w http.ResponseWriter, r *http.Request) {
	action, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	if err := s.backend.DecideAll(r.Context(), action); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := history.Query{
		Limit:     defaultHistoryLimit,
		Direction: r.URL.Query().Get("direction"),
		Status:    history.Status(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxHistoryLimit {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = limit
	}
	records, err := s.backend.History(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		http.Error(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, incoming.ErrUnknownEntry), errors.Is(err, registry.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, incoming.ErrUnknownAction), errors.Is(err, registry.ErrUnknownAccount):
		return http.StatusBadRequest
	case errors.Is(err, incoming.ErrNotApplicable), errors.Is(err, engine.ErrIllegalState),
		errors.Is(err, registry.ErrStartFailed):
		return http.StatusConflict
	case errors.Is(err, loop.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Admin request failed", logging.ErrorField(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ AdminServer = (*Server)(nil)
