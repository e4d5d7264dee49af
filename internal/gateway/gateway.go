// Package gateway is drover's local control surface: a JSON HTTP API for
// tasks, schedules, agents, and queue state, plus a websocket endpoint
// streaming bus events to connected clients. It binds loopback by default
// and is guarded by a shared token, CORS, body size, and rate limits.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/cron"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/safety"
)

// QueueControl is the slice of the queue worker the gateway drives.
// Narrowing it here keeps the gateway testable with a fake and avoids a
// package cycle.
type QueueControl interface {
	Enqueue(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) (bool, error)
	Approve(ctx context.Context, taskID string, approved bool) error
	Kick()
}

// Config wires the gateway's collaborators.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Live     *policy.LivePolicy
	Queue    QueueControl
	Settings config.Config
	Logger   *slog.Logger
}

// Server exposes the HTTP and websocket surface.
type Server struct {
	store      *persistence.Store
	bus        *bus.Bus
	live       *policy.LivePolicy
	queue      QueueControl
	settings   config.Config
	logger     *slog.Logger
	sanitizer  *safety.Sanitizer
	uploadsDir string
	startedAt  time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:      cfg.Store,
		bus:        cfg.Bus,
		live:       cfg.Live,
		queue:      cfg.Queue,
		settings:   cfg.Settings,
		logger:     cfg.Logger,
		sanitizer:  safety.NewSanitizer(),
		uploadsDir: filepath.Join(cfg.Settings.HomeDir, "uploads"),
		startedAt:  time.Now(),
	}
}

// Handler builds the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/enqueue", s.handleEnqueueTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApprove(true))
	mux.HandleFunc("POST /api/tasks/{id}/deny", s.handleApprove(false))
	mux.HandleFunc("GET /api/tasks/{id}/comments", s.handleListComments)
	mux.HandleFunc("POST /api/tasks/{id}/comments", s.handleAddComment)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/queue", s.handleQueueStats)

	mux.Handle("GET /api/uploads/", http.StripPrefix("/api/uploads/",
		http.FileServer(http.Dir(s.uploadsDir))))

	var handler http.Handler = mux
	handler = NewAuthMiddleware(s.settings.Gateway.AuthToken).Wrap(handler)
	handler = NewRateLimitMiddleware(s.settings.Gateway).Wrap(handler)
	handler = RequestSizeLimitMiddleware(s.settings.Gateway.MaxBodyBytes)(handler)
	handler = NewCORSMiddleware(s.settings.AllowOrigins)(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	queued, running, err := s.store.TaskCounts(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queued":         queued,
		"running":        running,
		"policy_mode":    string(s.live.Mode()),
		"policy_version": s.live.PolicyVersion(),
		"config":         s.settings.Fingerprint(),
		"uptime_sec":     int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		// No filter: return the live states plus recent terminal ones.
		var all []persistence.Task
		for _, st := range []persistence.TaskStatus{
			persistence.TaskStatusBacklog,
			persistence.TaskStatusQueued,
			persistence.TaskStatusRunning,
			persistence.TaskStatusCompleted,
			persistence.TaskStatusFailed,
		} {
			tasks, err := s.store.ListTasksByStatus(r.Context(), st)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			all = append(all, tasks...)
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": all})
		return
	}
	tasks, err := s.store.ListTasksByStatus(r.Context(), persistence.TaskStatus(status))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type createTaskRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	AgentID         string `json:"agent_id"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBackoffSec int    `json:"retry_backoff_sec,omitempty"`
	Backlog         bool   `json:"backlog,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	check := s.sanitizer.Check(req.Title + "\n" + req.Description)
	if err := check.MustAllow(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if check.Action == safety.ActionWarn {
		s.logger.Warn("suspicious task input accepted", "reason", check.Reason)
	}
	taskID, err := s.store.CreateTask(r.Context(), persistence.CreateTaskParams{
		Title:           req.Title,
		Description:     req.Description,
		AgentID:         req.AgentID,
		MaxAttempts:     req.MaxAttempts,
		RetryBackoffSec: req.RetryBackoffSec,
		Backlog:         req.Backlog,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !req.Backlog {
		s.queue.Kick()
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleEnqueueTask promotes a backlog task into the queue.
func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	if err := s.queue.Enqueue(r.Context(), task.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID, "status": "queued"})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	accepted, err := s.queue.Cancel(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  task.ID,
		"accepted": accepted,
	})
}

func (s *Server) handleApprove(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.lookupTask(w, r)
		if !ok {
			return
		}
		if err := s.queue.Approve(r.Context(), task.ID, approved); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		action := "approved"
		if !approved {
			action = "denied"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": task.ID,
			"action":  action,
		})
	}
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	comments, err := s.store.ListTaskComments(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

type addCommentRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	var req addCommentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	if req.Author == "" {
		req.Author = "operator"
	}
	id, err := s.store.AppendTaskComment(r.Context(), task.ID, req.Author, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListTaskEvents(r.Context(), task.ID, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

type createScheduleRequest struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	AgentID  string `json:"agent_id"`
	Prompt   string `json:"prompt"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "name and agent_id are required")
		return
	}
	nextRun, err := cron.NextRunTime(req.CronExpr, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}
	id, err := s.store.CreateSchedule(r.Context(), req.Name, req.CronExpr, req.AgentID, req.Prompt, nextRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	queued, running, err := s.store.TaskCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	depth, err := s.store.QueueDepth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":  queued,
		"running": running,
		"depth":   depth,
	})
}

// wsEvent is the wire shape for bus events streamed over the websocket.
type wsEvent struct {
	Topic   string    `json:"topic"`
	Action  string    `json:"action,omitempty"`
	ID      string    `json:"id,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// handleWebSocket streams bus events matching an optional ?topics= prefix
// ("tasks", "runs", "approvals", empty for everything). Delivery is
// best-effort; a slow client misses events rather than stalling
// publishers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.settings.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	prefix := r.URL.Query().Get("topics")
	sub := s.bus.Subscribe(prefix)
	defer s.bus.Unsubscribe(sub)

	// CloseRead surfaces client disconnects as context cancellation; the
	// gateway never expects inbound frames on this socket.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			out := wsEvent{
				Topic:   ev.Topic,
				Action:  ev.Action,
				ID:      ev.ID,
				Payload: ev.Payload,
				At:      time.Now().UTC(),
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, out)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*persistence.Task, bool) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return task, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
