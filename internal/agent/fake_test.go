package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/sholiday/odin/internal/supervisor"
)

type program struct {
	group  string
	name   string
	config map[string]any
}

// fakeEndpoint is an in-memory supervisord with the twiddler plugin.
type fakeEndpoint struct {
	mu       sync.Mutex
	methods  []string
	calls    []string
	programs []program
	procs    []supervisor.ProcessInfo
	logs     map[string]string

	// failAdd returns an error for the named program while it is set.
	failAdd map[string]error
	stopErr error
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		methods: []string{"system.listMethods", "supervisor.getAllProcessInfo", supervisor.TwiddlerVersionMethod},
		logs:    make(map[string]string),
		failAdd: make(map[string]error),
	}
}

func (f *fakeEndpoint) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEndpoint) ListMethods(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("listMethods")
	return append([]string(nil), f.methods...), nil
}

func (f *fakeEndpoint) StopProcessGroup(_ context.Context, g string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stopProcessGroup " + g)
	return f.stopErr
}

func (f *fakeEndpoint) AddProcessGroup(_ context.Context, g string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("addProcessGroup " + g)
	return nil
}

func (f *fakeEndpoint) RemoveProcessGroup(_ context.Context, g string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("removeProcessGroup " + g)
	return &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME: " + g}
}

func (f *fakeEndpoint) AllProcessInfo(context.Context) ([]supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("getAllProcessInfo")
	return append([]supervisor.ProcessInfo(nil), f.procs...), nil
}

func (f *fakeEndpoint) ProcessInfo(_ context.Context, name string) (*supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.FullName() == name {
			return &p, nil
		}
	}
	return nil, &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME: " + name}
}

func (f *fakeEndpoint) StopProcess(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stopProcess " + name)
	for i, p := range f.procs {
		if p.FullName() != name {
			continue
		}
		if p.StateName != "RUNNING" {
			return &supervisor.Fault{Code: supervisor.FaultNotRunning, String: "NOT_RUNNING: " + name}
		}
		f.procs[i].StateName = "STOPPED"
		return nil
	}
	return &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME: " + name}
}

func (f *fakeEndpoint) AddProgramToGroup(_ context.Context, g, name string, cfg map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("addProgramToGroup " + g + " " + name)
	if err := f.failAdd[name]; err != nil {
		return err
	}
	f.programs = append(f.programs, program{group: g, name: name, config: cfg})
	f.procs = append(f.procs, supervisor.ProcessInfo{Name: name, Group: g, StateName: "RUNNING"})
	return nil
}

func (f *fakeEndpoint) RemoveProcessFromGroup(_ context.Context, g, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("removeProcessFromGroup " + g + " " + name)
	var kept []supervisor.ProcessInfo
	found := false
	for _, p := range f.procs {
		if p.Group != g || p.Name != name {
			kept = append(kept, p)
			continue
		}
		if p.StateName == "RUNNING" {
			return &supervisor.Fault{Code: supervisor.FaultStillRunning, String: "STILL_RUNNING: " + name}
		}
		found = true
	}
	f.procs = kept
	if !found {
		return &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME: " + name}
	}
	return nil
}

func (f *fakeEndpoint) ReadProcessStderrLog(_ context.Context, name string, _, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.logs[name]
	if !ok {
		return "", &supervisor.Fault{Code: supervisor.FaultBadName, String: "BAD_NAME: " + name}
	}
	return out, nil
}

func (f *fakeEndpoint) setFailAdd(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAdd, name)
		return
	}
	f.failAdd[name] = err
}

func (f *fakeEndpoint) added() []program {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]program(nil), f.programs...)
}

func (f *fakeEndpoint) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var errTransport = errors.New("connection refused")
