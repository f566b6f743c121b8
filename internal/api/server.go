// Package api adapts internal/coordinator.Service onto HTTP: a
// gorilla/mux router over the spec's operation table, plus a
// gorilla/websocket /events endpoint that mirrors internal/eventbus
// onto connected clients. Generalized from the teacher's
// internal/server package (server.go's router assembly, handlers.go's
// decode/respond idiom, hub.go's broadcast hub, middleware.go's
// security headers) from a dashboard-and-agent-process API onto a
// pure task-coordination one.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/taskforge/coordinator/internal/coordinator"
	"github.com/taskforge/coordinator/internal/eventbus"
)

// Server is the HTTP/WebSocket front end of taskcoordd.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *hub
	upgrader   websocket.Upgrader

	svc *coordinator.Service
	bus *eventbus.Bus

	startTime time.Time

	// ShutdownChan is closed by handleShutdown (or any other trigger)
	// to ask cmd/taskcoordd's main loop to begin graceful shutdown,
	// mirroring internal/server.Server's ShutdownChan.
	ShutdownChan chan struct{}
}

// Options configures a Server beyond its required dependencies.
type Options struct {
	CORSOrigins []string
}

// NewServer builds a Server wired to svc and bus. Call ListenAndServe
// to start accepting connections.
func NewServer(svc *coordinator.Service, bus *eventbus.Bus, opts Options) *Server {
	s := &Server{
		hub:          newHub(),
		upgrader:     websocket.Upgrader{CheckOrigin: checkOriginFunc(opts.CORSOrigins)},
		svc:          svc,
		bus:          bus,
		startTime:    time.Now(),
		ShutdownChan: make(chan struct{}),
	}
	s.routes(opts)
	go s.hub.run()
	s.bridgeEvents()
	return s
}

// bridgeEvents subscribes to the bus's "all" target and fans every
// event into the WebSocket hub, the same "publish once, deliver to
// every live subscriber" shape internal/eventbus.Bus already
// implements for in-process subscribers — this just adds the
// WebSocket clients as one more subscriber.
func (s *Server) bridgeEvents() {
	ch := s.bus.Subscribe("all", nil)
	go func() {
		for evt := range ch {
			s.hub.broadcastEvent(evt)
		}
	}()
}

func (s *Server) routes(opts Options) {
	s.router = mux.NewRouter()
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(corsMiddleware(opts.CORSOrigins))
	s.router.Use(identityMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")

	api.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	api.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	api.HandleFunc("/projects/{id}/progress", s.handleProjectProgress).Methods("GET")

	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks/available", s.handleTasksAvailable).Methods("GET")
	api.HandleFunc("/tasks/{id}/claim", s.handleClaimTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/start", s.handleStartTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/release", s.handleReleaseTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/submit", s.handleSubmitTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/review", s.handleReviewTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/retry", s.handleRetryTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods("POST")

	api.HandleFunc("/agents", s.handleRegisterAgent).Methods("POST")
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents/{name}", s.handleGetAgent).Methods("GET")
	api.HandleFunc("/agents/{name}/heartbeat", s.handleHeartbeat).Methods("POST")
	api.HandleFunc("/agents/{name}/tasks/available", s.handleTasksAvailableForAgent).Methods("GET")

	s.router.HandleFunc("/events", s.handleEvents)
}

// ListenAndServe starts the HTTP server on addr and blocks until it
// returns (normally via a call to Shutdown).
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, mirroring
// internal/server.Server's shutdown sequencing.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func timeSince(t time.Time) time.Duration {
	return time.Since(t)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
