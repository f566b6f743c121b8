package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/taskforge/coordinator/internal/coordfault"
	"github.com/taskforge/coordinator/internal/coordinator"
	"github.com/taskforge/coordinator/internal/store"
	"github.com/taskforge/coordinator/internal/tasks"
)

// MaxPayloadSize bounds request bodies, kept from
// internal/server/handlers.go's constant of the same purpose.
const MaxPayloadSize = 1 * 1024 * 1024 // 1MB

func limitBody(r *http.Request) {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxPayloadSize)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

// handleHealth reports process-local liveness, the shape
// internal/instance/port.go's HealthCheck polls during startup and
// conflict resolution.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(timeSince(s.startTime).Seconds()),
		"connected_ws":   s.hub.clientCount(),
		"dropped_events": s.bus.DroppedEventCount(),
	})
}

// handleShutdown initiates graceful shutdown, localhost-only exactly
// as internal/server/handlers.go's handleShutdown gates it.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if host != "127.0.0.1" && host != "::1" {
		respondErr(w, coordfault.New(coordfault.Forbidden, "shutdown can only be requested from localhost"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	go func() {
		select {
		case <-s.ShutdownChan:
		default:
			close(s.ShutdownChan)
		}
	}()
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	limitBody(r)
	var req coordinator.CreateProjectInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "decode create-project request"))
		return
	}
	p, err := s.svc.CreateProject(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := s.svc.ListProjects(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"projects": ps})
}

func (s *Server) handleProjectProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid project id"))
		return
	}
	progress, err := s.svc.ProjectProgress(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	limitBody(r)
	var req coordinator.CreateTaskInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "decode create-task request"))
		return
	}
	t, err := s.svc.CreateTask(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.TaskFilter
	if v := q.Get("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid project_id"))
			return
		}
		f.ProjectID = id
	}
	if v := q.Get("status"); v != "" {
		f.Status = tasks.Status(v)
	}
	if v := q.Get("assignee"); v != "" {
		f.Assignee = v
	}
	ts, err := s.svc.ListTasks(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": ts})
}

func (s *Server) handleTasksAvailable(w http.ResponseWriter, r *http.Request) {
	var skills []string
	if v := r.URL.Query().Get("skills"); v != "" {
		skills = strings.Split(v, ",")
	}
	ts, err := s.svc.TasksAvailable(r.Context(), skills)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": ts})
}

func (s *Server) handleTasksAvailableForAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ts, err := s.svc.TasksAvailableForAgent(r.Context(), name)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": ts})
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid task id"))
		return
	}
	agent := identityFromContext(r.Context())
	if agent == "" {
		respondErr(w, coordfault.New(coordfault.Validation, "X-Agent-Name header is required"))
		return
	}
	t, err := s.svc.ClaimTask(r.Context(), id, agent, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid task id"))
		return
	}
	agent := identityFromContext(r.Context())
	t, err := s.svc.StartTask(r.Context(), id, agent)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleReleaseTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid task id"))
		return
	}
	agent := identityFromContext(r.Context())
	t, err := s.svc.ReleaseTask(r.Context(), id, agent)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	limitBody(r)
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid task id"))
		return
	}
	var req struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "decode submit-task request"))
		return
	}
	agent := identityFromContext(r.Context())
	t, err := s.svc.SubmitTask(r.Context(), id, agent, req.Result, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleReviewTask(w http.ResponseWriter, r *http.Request) {
	limitBody(r)
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid task id"))
		return
	}
	var req struct {
		Approved bool   `json:"approved"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "decode review-task request"))
		return
	}
	reviewer := identityFromContext(r.Context())
	t, err := s.svc.ReviewTask(r.Context(), id, reviewer, req.Approved, req.Feedback)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid task id"))
		return
	}
	t, err := s.svc.RetryTask(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "invalid task id"))
		return
	}
	t, err := s.svc.CancelTask(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	limitBody(r)
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, coordfault.Wrap(coordfault.Validation, err, "decode register-agent request"))
		return
	}
	a, err := s.svc.RegisterAgent(r.Context(), req.Name)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	limitBody(r)
	name := mux.Vars(r)["name"]
	var req struct {
		CurrentTaskID *int64 `json:"current_task_id"`
	}
	// Body is optional; a bare heartbeat with no body just touches
	// last_heartbeat.
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondErr(w, coordfault.Wrap(coordfault.Validation, err, "decode heartbeat request"))
			return
		}
	}
	if err := s.svc.Heartbeat(r.Context(), name, req.CurrentTaskID); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	a, err := s.svc.GetAgent(r.Context(), name)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	as, err := s.svc.ListAgents(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": as})
}

// handleEvents upgrades to WebSocket and streams lifecycle events to
// the connected dashboard/tooling client, generalized from
// internal/server/handlers.go's handleWebSocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, WebSocketBufferSize)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}
