package cell

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/codec"
	"github.com/sholiday/odin/internal/coord"
	"github.com/sholiday/odin/internal/models"
)

// TaskEntry is a decoded task together with its identifier in the task
// directory.
type TaskEntry struct {
	ID   string       `json:"id"`
	Task *models.Task `json:"task"`
}

// AddTask appends a task to a machine's task directory and returns the task
// path. Task names carry a service-assigned suffix, so identical tasks added
// twice are two tasks.
func (c *Client) AddTask(ctx context.Context, machinePath string, t *models.Task) (string, error) {
	dir, err := c.TaskDir(machinePath)
	if err != nil {
		return "", err
	}
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	data, err := codec.MarshalTask(t)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	p, err := c.conn.Create(ctx, path.Join(dir, TaskPrefix), data, coord.FlagSequence)
	if err != nil {
		return "", translate("add task", dir, err)
	}
	c.log.Debug("task added", zap.String("machine", machinePath), zap.String("task", p))
	return p, nil
}

// GetTask reads and decodes one task.
func (c *Client) GetTask(ctx context.Context, machinePath, taskID string) (*models.Task, error) {
	p, err := c.TaskPath(machinePath, taskID)
	if err != nil {
		return nil, err
	}
	data, err := c.conn.Get(ctx, p)
	if err != nil {
		return nil, translate("get task", p, err)
	}
	t, err := codec.UnmarshalTask(data)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w: %w", p, ErrDecode, err)
	}
	return t, nil
}

// TaskIDs lists the identifiers in a machine's task directory in creation
// order.
func (c *Client) TaskIDs(ctx context.Context, machinePath string) ([]string, error) {
	dir, err := c.TaskDir(machinePath)
	if err != nil {
		return nil, err
	}
	ids, err := c.conn.Children(ctx, dir)
	if err != nil {
		return nil, translate("list tasks", dir, err)
	}
	return ids, nil
}

// GetTasks lists and decodes a machine's tasks in creation order. Entries
// that fail to decode or vanish between listing and reading are logged and
// left out; the rest of the listing is still returned.
func (c *Client) GetTasks(ctx context.Context, machinePath string) ([]TaskEntry, error) {
	ids, err := c.TaskIDs(ctx, machinePath)
	if err != nil {
		return nil, err
	}
	entries := make([]TaskEntry, 0, len(ids))
	for _, id := range ids {
		t, err := c.GetTask(ctx, machinePath, id)
		switch {
		case err == nil:
			entries = append(entries, TaskEntry{ID: id, Task: t})
		case errors.Is(err, ErrDecode):
			c.log.Warn("skipping malformed task", zap.String("machine", machinePath), zap.String("task", id), zap.Error(err))
		case errors.Is(err, ErrNotFound):
			c.log.Debug("task vanished while listing", zap.String("machine", machinePath), zap.String("task", id))
		default:
			return nil, err
		}
	}
	return entries, nil
}

// WatchTasks returns the current task identifiers of a machine and arms a
// one-shot watch on its task directory. The channel receives a single event
// on the next task addition or removal and is then closed; callers re-arm by
// calling WatchTasks again.
func (c *Client) WatchTasks(ctx context.Context, machinePath string) ([]string, <-chan coord.Event, error) {
	dir, err := c.TaskDir(machinePath)
	if err != nil {
		return nil, nil, err
	}
	ids, ch, err := c.conn.ChildrenW(ctx, dir)
	if err != nil {
		return nil, nil, translate("watch tasks", dir, err)
	}
	return ids, ch, nil
}
