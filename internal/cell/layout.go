package cell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sholiday/odin/internal/coord"
)

// EnsurePath creates every segment of p as an empty persistent node.
// Segments that already exist are left alone.
func (c *Client) EnsurePath(ctx context.Context, p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: path %q must be absolute", ErrValidation, p)
	}
	cur := ""
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		cur += "/" + seg
		if _, err := c.conn.Create(ctx, cur, nil, 0); err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return translate("ensure", cur, err)
		}
	}
	return nil
}

// EnsureLayout creates the machines, jobs and tasks directories of the cell.
// It is safe to call concurrently from several clients.
func (c *Client) EnsureLayout(ctx context.Context) error {
	for _, p := range []string{c.MachinesPath(), c.JobsPath(), c.TasksPath()} {
		if err := c.EnsurePath(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
