package models

import (
	"errors"
	"fmt"
)

// Task is one unit of work assigned to a machine. Tasks are never mutated
// after they are written to a task directory.
type Task struct {
	ID       *int64    `json:"id,omitempty"`
	Job      *string   `json:"job,omitempty"`
	Runnable *Runnable `json:"runnable,omitempty"`
}

// Autorestart policies understood by the process-supervision endpoint.
const (
	AutorestartTrue       = "true"
	AutorestartFalse      = "false"
	AutorestartUnexpected = "unexpected"
)

// Runnable describes how a task is run. Every field is optional: a nil field
// was never set and leaves the endpoint default in place.
type Runnable struct {
	Command               *string `json:"command,omitempty"`
	Directory             *string `json:"directory,omitempty"`
	Umask                 *string `json:"umask,omitempty"`
	Priority              *int32  `json:"priority,omitempty"`
	Autorestart           *string `json:"autorestart,omitempty"`
	StartSecs             *int32  `json:"startsecs,omitempty"`
	StartRetries          *int32  `json:"startretries,omitempty"`
	StopSignal            *string `json:"stopsignal,omitempty"`
	StopWaitSecs          *int32  `json:"stopwaitsecs,omitempty"`
	User                  *string `json:"user,omitempty"`
	RedirectStderr        *bool   `json:"redirect_stderr,omitempty"`
	StdoutLogfile         *string `json:"stdout_logfile,omitempty"`
	StdoutLogfileMaxBytes *string `json:"stdout_logfile_maxbytes,omitempty"`
	StdoutLogfileBackups  *int32  `json:"stdout_logfile_backups,omitempty"`
	StdoutCaptureMaxBytes *string `json:"stdout_capture_maxbytes,omitempty"`
	StderrLogfile         *string `json:"stderr_logfile,omitempty"`
	StderrLogfileMaxBytes *string `json:"stderr_logfile_maxbytes,omitempty"`
	StderrLogfileBackups  *int32  `json:"stderr_logfile_backups,omitempty"`
	StderrCaptureMaxBytes *string `json:"stderr_capture_maxbytes,omitempty"`
}

// Validate reports whether t can be written to a task directory.
func (t *Task) Validate() error {
	if t == nil {
		return errors.New("task record is nil")
	}
	if t.Runnable == nil {
		return nil
	}
	return t.Runnable.Validate()
}

// Validate checks the fields that are set.
func (r *Runnable) Validate() error {
	if r.Command != nil && *r.Command == "" {
		return errors.New("runnable command is set but empty")
	}
	if r.Autorestart != nil {
		switch *r.Autorestart {
		case AutorestartTrue, AutorestartFalse, AutorestartUnexpected:
		default:
			return fmt.Errorf("runnable autorestart %q is not one of true, false, unexpected", *r.Autorestart)
		}
	}
	for name, v := range map[string]*int32{
		"startsecs":              r.StartSecs,
		"startretries":           r.StartRetries,
		"stopwaitsecs":           r.StopWaitSecs,
		"stdout_logfile_backups": r.StdoutLogfileBackups,
		"stderr_logfile_backups": r.StderrLogfileBackups,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("runnable %s must be non-negative, got %d", name, *v)
		}
	}
	return nil
}

// String returns a pointer to v.
func String(v string) *string { return &v }

// Int32 returns a pointer to v.
func Int32(v int32) *int32 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
