package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate reports every problem found in c, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !strings.HasPrefix(c.Cell, "/") || c.Cell == "/" || path.Clean(c.Cell) != c.Cell {
		add("cell %q must be a clean absolute path below /", c.Cell)
	}

	switch c.Coordination.Backend {
	case BackendZooKeeper:
		if len(c.Coordination.Servers) == 0 {
			add("coordination.servers is empty")
		}
		if c.Coordination.SessionTimeout <= 0 {
			add("coordination.session_timeout must be positive")
		}
	case BackendLocal:
	default:
		add("coordination.backend %q is not %s or %s", c.Coordination.Backend, BackendZooKeeper, BackendLocal)
	}

	if c.Machine.Path != "" && path.Dir(c.Machine.Path) != path.Join(c.Cell, "machines") {
		add("machine.path %q is not under %s/machines", c.Machine.Path, c.Cell)
	}
	if c.Supervisor.URL == "" {
		add("supervisor.url is empty")
	}
	if c.Supervisor.Group == "" {
		add("supervisor.group is empty")
	}
	if c.Agent.Heartbeat <= 0 {
		add("agent.heartbeat must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level %q is not debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Output {
	case "stdout", "":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path is required for output %q", c.Logging.Output)
		}
	default:
		add("logging.output %q is not stdout, file or both", c.Logging.Output)
	}

	return errors.Join(errs...)
}
