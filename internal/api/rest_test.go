package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sholiday/odin/internal/agent"
	"github.com/sholiday/odin/internal/cell"
	"github.com/sholiday/odin/internal/models"
	"github.com/sholiday/odin/internal/supervisor"
)

const machine = "/odin/c1/machines/m-0000000001"

type fakeAgent struct {
	mu      sync.Mutex
	machine string
	started []string
	procs   []supervisor.ProcessInfo
	logs    map[string]string
}

func (f *fakeAgent) State() agent.State { return agent.StateWatching }
func (f *fakeAgent) Machine() string    { return f.machine }
func (f *fakeAgent) Group() string      { return "dynamic" }
func (f *fakeAgent) HasTwiddler() bool  { return true }
func (f *fakeAgent) Started() []string  { return f.started }

func (f *fakeAgent) Processes(context.Context) ([]supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.ProcessInfo(nil), f.procs...), nil
}

func (f *fakeAgent) ProcessInfo(_ context.Context, id string) (*supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.Name == id {
			return &p, nil
		}
	}
	return nil, &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME: " + id}
}

func (f *fakeAgent) RemoveProcess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.procs {
		if p.Name == id {
			f.procs = append(f.procs[:i:i], f.procs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("remove %s: %w", id, &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME: " + id})
}

func (f *fakeAgent) TaskLog(_ context.Context, id string) (string, error) {
	out, ok := f.logs[id]
	if !ok {
		return "", fmt.Errorf("read log: %w", &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME"})
	}
	return out, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []cell.TaskEntry
}

func (f *fakeDispatcher) AddTaskToMachine(_ context.Context, t *models.Task, m string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", cell.ErrValidation, err)
	}
	if t.Runnable == nil || t.Runnable.Command == nil {
		return "", fmt.Errorf("%w: task has no runnable command", cell.ErrValidation)
	}
	if m != machine {
		return "", fmt.Errorf("add task: %w", cell.ErrNotFound)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("t-%010d", len(f.tasks))
	f.tasks = append(f.tasks, cell.TaskEntry{ID: id, Task: t})
	return m + "/" + id, nil
}

func (f *fakeDispatcher) Pending(context.Context, string) ([]cell.TaskEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cell.TaskEntry(nil), f.tasks...), nil
}

func newTestServer(t *testing.T, a *fakeAgent, d *fakeDispatcher) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHTTPHandler(a, d, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv
}

func TestPingAndStatus(t *testing.T) {
	srv := newTestServer(t, &fakeAgent{machine: machine, started: []string{"t-0000000000"}}, &fakeDispatcher{})

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, Status{Machine: machine, State: "watching", Group: "dynamic", HasTwiddler: true, Started: 1}, st)
}

func TestAddAndListTasks(t *testing.T) {
	a := &fakeAgent{machine: machine, started: []string{"t-0000000000"}}
	srv := newTestServer(t, a, &fakeDispatcher{})

	for _, body := range []string{`{"runnable":{"command":"sleep 60"}}`, `{"job":"backup","runnable":{"command":"pg_dump"}}`} {
		resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		var out map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.True(t, strings.HasPrefix(out["path"], machine+"/t-"))
	}

	resp, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	var views []TaskView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)
	assert.True(t, views[0].Started)
	assert.False(t, views[1].Started)
	assert.Equal(t, "sleep 60", *views[0].Task.Runnable.Command)
	assert.Equal(t, "backup", *views[1].Task.Job)
}

func TestAddTaskErrors(t *testing.T) {
	srv := newTestServer(t, &fakeAgent{machine: machine}, &fakeDispatcher{})

	tests := []struct {
		body string
		want int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"runnable":{"command":""}}`, http.StatusBadRequest},
		{`{"runnable":{"autorestart":"sometimes"}}`, http.StatusBadRequest},
		{`{"job":"backup"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(tt.body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.body)
	}
}

func TestUnregisteredMachine(t *testing.T) {
	srv := newTestServer(t, &fakeAgent{}, &fakeDispatcher{})

	resp, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTaskLogAndProcesses(t *testing.T) {
	a := &fakeAgent{
		machine: machine,
		logs:    map[string]string{"t-0000000000": "boom\n"},
		procs:   []supervisor.ProcessInfo{{Name: "t-0000000000", Group: "dynamic", StateName: "RUNNING"}},
	}
	srv := newTestServer(t, a, &fakeDispatcher{})

	resp, err := http.Get(srv.URL + "/tasks/t-0000000000/log")
	require.NoError(t, err)
	body := readAll(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "boom\n", body)

	resp, err = http.Get(srv.URL + "/tasks/t-9/log")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/processes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var procs []supervisor.ProcessInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&procs))
	require.Len(t, procs, 1)
	assert.Equal(t, "dynamic:t-0000000000", procs[0].FullName())
}

func TestAddTaskBodyLimit(t *testing.T) {
	d := &fakeDispatcher{}
	h := NewHTTPHandler(&fakeAgent{machine: machine}, d, zaptest.NewLogger(t))

	body := `{"runnable":{"command":"` + strings.Repeat("x", maxTaskBody) + `"}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"runnable":{"command":"ls"}}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	pending, err := d.Pending(context.Background(), machine)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcessRoutes(t *testing.T) {
	a := &fakeAgent{
		machine: machine,
		procs:   []supervisor.ProcessInfo{{Name: "t-0000000000", Group: "dynamic", StateName: "RUNNING"}},
	}
	srv := newTestServer(t, a, &fakeDispatcher{})
	target := srv.URL + "/tasks/t-0000000000/process"

	resp, err := http.Get(target)
	require.NoError(t, err)
	var info supervisor.ProcessInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RUNNING", info.StateName)

	req, err := http.NewRequest(http.MethodDelete, target, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	procs, err := a.Processes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, procs)

	resp, err = http.Get(target)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", cell.ErrValidation), http.StatusBadRequest},
		{&supervisor.Fault{Code: supervisor.FaultBadName}, http.StatusNotFound},
		{&supervisor.Fault{Code: supervisor.FaultStillRunning}, http.StatusConflict},
		{&supervisor.Fault{Code: supervisor.FaultNotRunning}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeAgent{machine: machine}, &fakeDispatcher{})
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/tasks", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "odin_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	mux := http.NewServeMux()
	RegisterMetrics(mux, reg)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "odin_test_total 1")
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var sb bytes.Buffer
	_, err := sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	return sb.String()
}
