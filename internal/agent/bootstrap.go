package agent

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/supervisor"
)

// bootstrap checks the endpoint's capabilities and empties the managed
// group so processes left by an earlier agent are not mistaken for started
// tasks.
func (a *Agent) bootstrap(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "odin.agent.bootstrap")
	defer span.End()

	methods, err := a.endpoint.ListMethods(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list methods: %w", err)
	}
	has := slices.Contains(methods, supervisor.TwiddlerVersionMethod)
	a.mu.Lock()
	a.hasTwiddler = has
	a.mu.Unlock()
	if !has {
		return ErrTwiddlerUnavailable
	}

	if err := a.resetGroup(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("reset group %s: %w", a.cfg.Group, err)
	}
	a.log.Info("endpoint ready", zap.Int("methods", len(methods)))
	return nil
}

// resetGroup stops and removes every process of the group, then recreates
// it empty. A group that does not exist yet is not an error.
func (a *Agent) resetGroup(ctx context.Context) error {
	g := a.cfg.Group

	if err := a.endpoint.StopProcessGroup(ctx, g); err != nil &&
		!supervisor.IsFault(err, supervisor.FaultBadName, supervisor.FaultNotRunning) {
		return fmt.Errorf("stop: %w", err)
	}

	infos, err := a.endpoint.AllProcessInfo(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	removed := 0
	for _, p := range infos {
		if p.Group != g {
			continue
		}
		if err := a.endpoint.RemoveProcessFromGroup(ctx, g, p.Name); err != nil &&
			!supervisor.IsFault(err, supervisor.FaultBadName) {
			return fmt.Errorf("remove %s: %w", p.FullName(), err)
		}
		removed++
	}

	if err := a.endpoint.RemoveProcessGroup(ctx, g); err != nil &&
		!supervisor.IsFault(err, supervisor.FaultBadName) {
		return fmt.Errorf("remove group: %w", err)
	}
	if err := a.endpoint.AddProcessGroup(ctx, g); err != nil &&
		!supervisor.IsFault(err, supervisor.FaultAlreadyAdded) {
		return fmt.Errorf("add group: %w", err)
	}

	a.log.Info("process group reset", zap.Int("removed", removed))
	return nil
}

// Processes returns the endpoint's processes that belong to the agent's
// group.
func (a *Agent) Processes(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	infos, err := a.endpoint.AllProcessInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, p := range infos {
		if p.Group == a.cfg.Group {
			out = append(out, p)
		}
	}
	return out, nil
}

// TaskLog returns the retained stderr log of a task's process.
func (a *Agent) TaskLog(ctx context.Context, taskID string) (string, error) {
	return a.endpoint.ReadProcessStderrLog(ctx, a.processName(taskID), 0, 0)
}

// ProcessInfo returns the endpoint's view of a task's process.
func (a *Agent) ProcessInfo(ctx context.Context, taskID string) (*supervisor.ProcessInfo, error) {
	return a.endpoint.ProcessInfo(ctx, a.processName(taskID))
}

// RemoveProcess stops a task's process and removes it from the group. The
// task stays in the started-set, so later notifications do not submit it
// again.
func (a *Agent) RemoveProcess(ctx context.Context, taskID string) error {
	name := a.processName(taskID)
	if err := a.endpoint.StopProcess(ctx, name); err != nil && !supervisor.IsFault(err, supervisor.FaultNotRunning) {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if err := a.endpoint.RemoveProcessFromGroup(ctx, a.cfg.Group, taskID); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	a.log.Info("task process removed", zap.String("task", taskID))
	return nil
}

func (a *Agent) processName(taskID string) string {
	return a.cfg.Group + ":" + taskID
}
