package agent

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/cell"
	"github.com/sholiday/odin/internal/models"
	natsclient "github.com/sholiday/odin/internal/nats"
	"github.com/sholiday/odin/internal/supervisor"
)

// Failure reasons recorded on the task failure counter.
const (
	reasonFetch  = "fetch"
	reasonDecode = "decode"
	reasonSubmit = "submit"
)

// TaskToConfig builds the supervisor program options for t. Only fields set
// on the runnable are copied; the endpoint supplies defaults for the rest.
func TaskToConfig(t *models.Task) map[string]any {
	cfg := make(map[string]any)
	if t == nil || t.Runnable == nil {
		return cfg
	}
	r := t.Runnable

	str := func(key string, v *string) {
		if v != nil {
			cfg[key] = *v
		}
	}
	num := func(key string, v *int32) {
		if v != nil {
			cfg[key] = *v
		}
	}

	str("command", r.Command)
	str("directory", r.Directory)
	str("umask", r.Umask)
	num("priority", r.Priority)
	str("autorestart", r.Autorestart)
	num("startsecs", r.StartSecs)
	num("startretries", r.StartRetries)
	str("stopsignal", r.StopSignal)
	num("stopwaitsecs", r.StopWaitSecs)
	str("user", r.User)
	if r.RedirectStderr != nil {
		cfg["redirect_stderr"] = *r.RedirectStderr
	}
	str("stdout_logfile", r.StdoutLogfile)
	str("stdout_logfile_maxbytes", r.StdoutLogfileMaxBytes)
	num("stdout_logfile_backups", r.StdoutLogfileBackups)
	str("stdout_capture_maxbytes", r.StdoutCaptureMaxBytes)
	str("stderr_logfile", r.StderrLogfile)
	str("stderr_logfile_maxbytes", r.StderrLogfileMaxBytes)
	num("stderr_logfile_backups", r.StderrLogfileBackups)
	str("stderr_capture_maxbytes", r.StderrCaptureMaxBytes)
	return cfg
}

// processAll handles ids in listing order.
func (a *Agent) processAll(ctx context.Context, machine string, ids []string) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		a.processTask(ctx, machine, id)
	}
}

// processTask submits one task unless it was already started. It may be
// called for the same id any number of times. Failures leave the id
// unclaimed so the next listing retries it.
func (a *Agent) processTask(ctx context.Context, machine, id string) {
	ctx, span := a.tracer.Start(ctx, "odin.agent.process_task",
		trace.WithAttributes(
			attribute.String("odin.machine", machine),
			attribute.String("odin.task", id),
			attribute.String("odin.group", a.cfg.Group),
		),
	)
	defer span.End()
	log := a.log.With(zap.String("machine", machine), zap.String("task", id))

	if a.isStarted(id) {
		a.metrics.TasksSkipped.Inc()
		span.SetAttributes(attribute.Bool("odin.task.skipped", true))
		log.Debug("task already started")
		return
	}

	task, err := a.cell.GetTask(ctx, machine, id)
	if err != nil {
		reason := reasonFetch
		if errors.Is(err, cell.ErrDecode) {
			reason = reasonDecode
		}
		a.fail(ctx, span, log, machine, id, reason, err)
		return
	}
	cfg := TaskToConfig(task)

	if !a.claim(id, task) {
		a.metrics.TasksSkipped.Inc()
		log.Debug("task claimed concurrently")
		return
	}

	err = a.endpoint.AddProgramToGroup(ctx, a.cfg.Group, id, cfg)
	if err != nil && supervisor.IsFault(err, supervisor.FaultAlreadyAdded) {
		log.Info("task already present at endpoint")
		err = nil
	}
	if err != nil {
		a.release(id)
		a.fail(ctx, span, log, machine, id, reasonSubmit, err)
		return
	}

	a.metrics.TasksStarted.Inc()
	a.metrics.StartedTasks.Set(float64(a.startedCount()))
	span.SetStatus(codes.Ok, "")
	log.Info("task started", zap.Int("options", len(cfg)))
	a.publish(ctx, natsclient.NewEvent(natsclient.SubjectTaskStarted, machine, id))
}

func (a *Agent) fail(ctx context.Context, span trace.Span, log *zap.Logger, machine, id, reason string, err error) {
	a.metrics.TaskFailures.WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Warn("task not started", zap.String("reason", reason), zap.Error(err))
	a.publish(ctx, natsclient.NewEvent(natsclient.SubjectTaskFailed, machine, id).WithError(err))
}

func (a *Agent) isStarted(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.started[id]
	return ok
}

// claim records id as started unless it already is.
func (a *Agent) claim(id string, t *models.Task) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.started[id]; ok {
		return false
	}
	a.started[id] = t
	return true
}

func (a *Agent) release(id string) {
	a.mu.Lock()
	delete(a.started, id)
	a.mu.Unlock()
}
