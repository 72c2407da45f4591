package cell

import (
	"fmt"
	"path"
	"strings"
)

const (
	machinesDir = "machines"
	tasksDir    = "tasks"
	jobsDir     = "jobs"

	// MachinePrefix is the name prefix of sequential machine nodes.
	MachinePrefix = "m-"
	// TaskPrefix is the name prefix of sequential task nodes.
	TaskPrefix = "t-"
)

// MachinesPath returns the directory holding machine nodes.
func (c *Client) MachinesPath() string { return path.Join(c.root, machinesDir) }

// TasksPath returns the directory holding per-machine task directories.
func (c *Client) TasksPath() string { return path.Join(c.root, tasksDir) }

// JobsPath returns the reserved jobs directory.
func (c *Client) JobsPath() string { return path.Join(c.root, jobsDir) }

// MachineID returns the identifier of a machine path, which is also the name
// of its task directory.
func (c *Client) MachineID(machinePath string) (string, error) {
	if path.Dir(machinePath) != c.MachinesPath() {
		return "", fmt.Errorf("%w: machine path %q is not under %s", ErrValidation, machinePath, c.MachinesPath())
	}
	id := path.Base(machinePath)
	if err := validateName(id); err != nil {
		return "", fmt.Errorf("%w: machine path %q: %v", ErrValidation, machinePath, err)
	}
	return id, nil
}

// TaskDir returns the task directory owned by a machine.
func (c *Client) TaskDir(machinePath string) (string, error) {
	id, err := c.MachineID(machinePath)
	if err != nil {
		return "", err
	}
	return path.Join(c.TasksPath(), id), nil
}

// TaskPath returns the path of one task of a machine.
func (c *Client) TaskPath(machinePath, taskID string) (string, error) {
	dir, err := c.TaskDir(machinePath)
	if err != nil {
		return "", err
	}
	if err := validateName(taskID); err != nil {
		return "", fmt.Errorf("%w: task id %q: %v", ErrValidation, taskID, err)
	}
	return dir + "/" + taskID, nil
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid name %q", name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("name %q contains a slash", name)
	}
	return nil
}
