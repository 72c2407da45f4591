// Package api is the operator HTTP shim of an agent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"

	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/agent"
	"github.com/sholiday/odin/internal/cell"
	"github.com/sholiday/odin/internal/models"
	"github.com/sholiday/odin/internal/supervisor"
)

// Agent is the view of the running agent the shim serves.
type Agent interface {
	State() agent.State
	Machine() string
	Group() string
	HasTwiddler() bool
	Started() []string
	Processes(ctx context.Context) ([]supervisor.ProcessInfo, error)
	TaskLog(ctx context.Context, taskID string) (string, error)
	ProcessInfo(ctx context.Context, taskID string) (*supervisor.ProcessInfo, error)
	RemoveProcess(ctx context.Context, taskID string) error
}

// Dispatcher writes and lists tasks.
type Dispatcher interface {
	AddTaskToMachine(ctx context.Context, task *models.Task, machinePath string) (string, error)
	Pending(ctx context.Context, machinePath string) ([]cell.TaskEntry, error)
}

// maxTaskBody bounds the body of POST /tasks.
const maxTaskBody = 1 << 20

// Status is the body of GET /status.
type Status struct {
	Machine     string `json:"machine"`
	State       string `json:"state"`
	Group       string `json:"group"`
	HasTwiddler bool   `json:"has_twiddler"`
	Started     int    `json:"started"`
}

// TaskView is one entry of GET /tasks.
type TaskView struct {
	ID      string       `json:"id"`
	Task    *models.Task `json:"task"`
	Started bool         `json:"started"`
}

// Handler serves the shim routes.
type Handler struct {
	agent      Agent
	dispatcher Dispatcher
	log        *zap.Logger
}

// NewHTTPHandler returns the shim's routes.
func NewHTTPHandler(a Agent, d Dispatcher, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{agent: a, dispatcher: d, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /tasks", h.handleListTasks)
	mux.HandleFunc("POST /tasks", h.handleAddTask)
	mux.HandleFunc("GET /tasks/{id}/log", h.handleTaskLog)
	mux.HandleFunc("GET /tasks/{id}/process", h.handleProcessInfo)
	mux.HandleFunc("DELETE /tasks/{id}/process", h.handleRemoveProcess)
	mux.HandleFunc("GET /processes", h.handleProcesses)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from odin-agent"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Machine:     h.agent.Machine(),
		State:       h.agent.State().String(),
		Group:       h.agent.Group(),
		HasTwiddler: h.agent.HasTwiddler(),
		Started:     len(h.agent.Started()),
	})
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.machine(w)
	if !ok {
		return
	}
	entries, err := h.dispatcher.Pending(r.Context(), machine)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	started := make(map[string]bool)
	for _, id := range h.agent.Started() {
		started[id] = true
	}
	out := make([]TaskView, 0, len(entries))
	for _, e := range entries {
		out = append(out, TaskView{ID: e.ID, Task: e.Task, Started: started[e.ID]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAddTask(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.machine(w)
	if !ok {
		return
	}
	var task models.Task
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody)).Decode(&task); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		h.writeError(w, http.StatusBadRequest, errors.New("invalid JSON payload"))
		return
	}
	p, err := h.dispatcher.AddTaskToMachine(r.Context(), &task, machine)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": path.Base(p), "path": p})
}

func (h *Handler) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := h.agent.TaskLog(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(out))
}

func (h *Handler) handleProcessInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.agent.ProcessInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleRemoveProcess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.agent.RemoveProcess(r.Context(), id); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.log.Info("process removed", zap.String("task", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProcesses(w http.ResponseWriter, r *http.Request) {
	infos, err := h.agent.Processes(r.Context())
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) machine(w http.ResponseWriter) (string, bool) {
	m := h.agent.Machine()
	if m == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "machine not registered yet"})
		return "", false
	}
	return m, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cell.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, cell.ErrNotFound), supervisor.IsFault(err, supervisor.FaultBadName):
		return http.StatusNotFound
	case supervisor.IsFault(err, supervisor.FaultStillRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrEndpoint):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
	h.log.Warn("request failed", zap.Int("status", status), zap.Error(err))
}
