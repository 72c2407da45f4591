// Package supervisor is a client for the XML-RPC interface of supervisord
// with the twiddler plugin, which adds and removes programs at runtime.
package supervisor

import (
	"context"
	"errors"
	"fmt"
)

// Fault codes defined by supervisord's xmlrpc module.
const (
	FaultUnknownMethod  = 1
	FaultIncorrectParam = 2
	FaultBadArguments   = 3
	FaultShutdownState  = 6
	FaultBadName        = 10
	FaultBadSignal      = 11
	FaultNoFile         = 20
	FaultNotExecutable  = 21
	FaultFailed         = 30
	FaultAbnormalTerm   = 40
	FaultSpawnError     = 50
	FaultAlreadyStarted = 60
	FaultNotRunning     = 70
	FaultSuccess        = 80
	FaultAlreadyAdded   = 90
	FaultStillRunning   = 91
	FaultCantReread     = 92
)

// TwiddlerVersionMethod is listed by endpoints that carry the twiddler
// plugin.
const TwiddlerVersionMethod = "twiddler.getAPIVersion"

// ErrEndpoint matches every failure reported by or on the way to the
// endpoint, faults included.
var ErrEndpoint = errors.New("supervisor endpoint error")

// Fault is an XML-RPC fault returned by the endpoint.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("supervisor fault %d: %s", f.Code, f.String)
}

// Is makes every fault match ErrEndpoint.
func (f *Fault) Is(target error) bool {
	return target == ErrEndpoint
}

// IsFault reports whether err carries a fault with one of codes.
func IsFault(err error, codes ...int) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	for _, c := range codes {
		if f.Code == c {
			return true
		}
	}
	return false
}

// ProcessInfo is one entry of supervisor.getAllProcessInfo.
type ProcessInfo struct {
	Name          string `xmlrpc:"name" json:"name"`
	Group         string `xmlrpc:"group" json:"group"`
	Description   string `xmlrpc:"description" json:"description"`
	Start         int    `xmlrpc:"start" json:"start"`
	Stop          int    `xmlrpc:"stop" json:"stop"`
	Now           int    `xmlrpc:"now" json:"now"`
	State         int    `xmlrpc:"state" json:"state"`
	StateName     string `xmlrpc:"statename" json:"statename"`
	SpawnErr      string `xmlrpc:"spawnerr" json:"spawnerr,omitempty"`
	ExitStatus    int    `xmlrpc:"exitstatus" json:"exitstatus"`
	Logfile       string `xmlrpc:"logfile" json:"logfile,omitempty"`
	StdoutLogfile string `xmlrpc:"stdout_logfile" json:"stdout_logfile,omitempty"`
	StderrLogfile string `xmlrpc:"stderr_logfile" json:"stderr_logfile,omitempty"`
	PID           int    `xmlrpc:"pid" json:"pid"`
}

// FullName is the group:name form the endpoint uses to address a process.
func (p ProcessInfo) FullName() string {
	return p.Group + ":" + p.Name
}

// Endpoint is the process-supervision interface the agent drives.
type Endpoint interface {
	ListMethods(ctx context.Context) ([]string, error)
	StopProcessGroup(ctx context.Context, group string) error
	AddProcessGroup(ctx context.Context, group string) error
	RemoveProcessGroup(ctx context.Context, group string) error
	AllProcessInfo(ctx context.Context) ([]ProcessInfo, error)
	ProcessInfo(ctx context.Context, name string) (*ProcessInfo, error)
	StopProcess(ctx context.Context, name string) error
	AddProgramToGroup(ctx context.Context, group, program string, config map[string]any) error
	RemoveProcessFromGroup(ctx context.Context, group, process string) error
	ReadProcessStderrLog(ctx context.Context, name string, offset, length int) (string, error)
}
