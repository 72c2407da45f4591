// Package dispatch appends tasks to machine task directories. It runs
// wherever work is scheduled, not necessarily on the target machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/cell"
	"github.com/sholiday/odin/internal/models"
	natsclient "github.com/sholiday/odin/internal/nats"
)

// Publisher announces dispatched tasks.
type Publisher interface {
	PublishEvent(ctx context.Context, ev natsclient.Event) error
}

// Dispatcher adds tasks to machines of one cell.
type Dispatcher struct {
	cell *cell.Client
	pub  Publisher
	log  *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher announces every dispatched task on
// natsclient.SubjectTaskDispatched.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.pub = p }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New returns a dispatcher writing through c.
func New(c *cell.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{cell: c, log: zap.NewNop()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// AddTaskToMachine appends task to the machine's task directory and returns
// its path. Ordering comes from the sequential node suffix alone; equal
// tasks dispatched twice become two tasks.
func (d *Dispatcher) AddTaskToMachine(ctx context.Context, task *models.Task, machinePath string) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: nil task", cell.ErrValidation)
	}
	if err := task.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", cell.ErrValidation, err)
	}
	// The agent can only submit tasks that carry a command.
	if task.Runnable == nil || task.Runnable.Command == nil {
		return "", fmt.Errorf("%w: task has no runnable command", cell.ErrValidation)
	}

	p, err := d.cell.AddTask(ctx, machinePath, task)
	if err != nil {
		if errors.Is(err, cell.ErrNotFound) {
			d.log.Warn("machine has no task directory", zap.String("machine", machinePath))
		}
		return "", err
	}
	d.log.Info("task dispatched", zap.String("machine", machinePath), zap.String("task", p))

	if d.pub != nil {
		ev := natsclient.NewEvent(natsclient.SubjectTaskDispatched, machinePath, path.Base(p))
		if err := d.pub.PublishEvent(ctx, ev); err != nil {
			d.log.Warn("publishing dispatch event", zap.String("task", p), zap.Error(err))
		}
	}
	return p, nil
}

// Pending lists the tasks written to a machine, oldest first. Task
// directories are append-only, so this is every task ever dispatched to it.
func (d *Dispatcher) Pending(ctx context.Context, machinePath string) ([]cell.TaskEntry, error) {
	return d.cell.GetTasks(ctx, machinePath)
}
