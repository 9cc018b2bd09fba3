package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/drudge/internal/events"
	"github.com/dohr-michael/drudge/internal/gateway/ws"
	"github.com/dohr-michael/drudge/internal/storage"
	"github.com/dohr-michael/drudge/internal/tasks"
)

// Server is the drudge gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	manager    *tasks.Manager
	tasks      *TaskHandler
	audit      *storage.AuditLogger
	host       string
	port       int
}

// NewServer creates a new gateway server.
func NewServer(bus *events.Bus, manager *tasks.Manager, audit *storage.AuditLogger, host string, port int) *Server {
	th := NewTaskHandler(manager)
	hub := ws.NewHub(bus, th)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:     hub,
		bus:     bus,
		manager: manager,
		tasks:   th,
		audit:   audit,
		host:    host,
		port:    port,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	// API: tasks
	r.Get("/api/tasks", s.handleListTasks)
	r.Get("/api/tasks/last", s.handleLastTask)
	r.Post("/api/tasks", s.handleSubmitTask)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Delete("/api/tasks/{id}", s.handleStopTask)
	r.Get("/api/tasks/{id}/log", s.handleTaskLog)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("drudge gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// statusForError maps task manager errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, tasks.ErrScopeBusy):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		return http.StatusGone
	case errors.Is(err, tasks.ErrScopeDenied):
		return http.StatusForbidden
	case errors.Is(err, tasks.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]any{
		"status":  "ok",
		"running": s.manager.Running(),
	}
	if err := s.manager.Healthcheck(ctx); err != nil {
		resp["status"] = "degraded"
		resp["backend"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["backend"] = "ok"
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	writeJSON(w, http.StatusOK, s.bus.History(limit))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	result, err := s.tasks.List(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var params submitParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	result, err := s.tasks.submit(params)
	if err != nil {
		if status := statusForError(err); status != http.StatusInternalServerError {
			writeJSON(w, status, map[string]string{"error": err.Error()})
		} else {
			// Unclassified submit failures are bad requests (missing
			// scope, empty prompt).
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleLastTask returns the most recently finished task for a scope, so a
// client can pick up its session id and continue the conversation.
func (s *Server) handleLastTask(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "scope query parameter is required"})
		return
	}
	result, err := s.tasks.LastForScope(scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.tasks.Check(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Stop(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit log disabled"})
		return
	}
	entries, err := s.audit.ReadTaskLog(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
