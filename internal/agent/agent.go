// Package agent runs the per-machine consumption loop: it registers the
// machine in its cell, watches the machine's task directory and submits
// every new task to the local process-supervision endpoint exactly once per
// agent lifetime.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/cell"
	"github.com/sholiday/odin/internal/coord"
	"github.com/sholiday/odin/internal/models"
	natsclient "github.com/sholiday/odin/internal/nats"
	"github.com/sholiday/odin/internal/supervisor"
)

const tracerName = "github.com/sholiday/odin/internal/agent"

const (
	// DefaultGroup is the supervisor group tasks are added to.
	DefaultGroup = "dynamic"
	// DefaultHeartbeat is the idle interval between watch checks.
	DefaultHeartbeat = 60 * time.Second
)

var (
	// ErrTwiddlerUnavailable is returned when the endpoint cannot add
	// programs at runtime.
	ErrTwiddlerUnavailable = errors.New("supervisor endpoint lacks the twiddler interface")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("agent already running")
)

// State is the phase of the consumption loop.
type State int32

const (
	StateIdle State = iota
	StateBootstrapping
	StateRegistering
	StateWatching
	StateNotified
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapping:
		return "bootstrapping"
	case StateRegistering:
		return "registering"
	case StateWatching:
		return "watching"
	case StateNotified:
		return "notified"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes one agent.
type Config struct {
	// MachinePath is a pre-known machine identity. When empty the agent
	// creates a sequential machine node.
	MachinePath string
	// Machine is the record written to the machine node.
	Machine *models.Machine
	// Group is the supervisor group tasks run in.
	Group string
	// Heartbeat is how often the idle loop wakes to retry a failed re-arm.
	Heartbeat time.Duration
}

// Publisher announces lifecycle events.
type Publisher interface {
	PublishEvent(ctx context.Context, ev natsclient.Event) error
}

// Agent is the consumption loop of one machine.
type Agent struct {
	cfg      Config
	cell     *cell.Client
	endpoint supervisor.Endpoint
	log      *zap.Logger
	pub      Publisher
	tracer   trace.Tracer
	metrics  *Metrics
	onState  func(State)

	running atomic.Bool
	state   atomic.Int32

	mu          sync.Mutex
	machine     string
	hasTwiddler bool
	started     map[string]*models.Task
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// WithPublisher announces registrations and task outcomes.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.pub = p }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithMetrics records loop activity on m.
func WithMetrics(m *Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithStateHook calls fn from the loop goroutine on every state change.
func WithStateHook(fn func(State)) Option {
	return func(a *Agent) { a.onState = fn }
}

// New returns an agent for one machine of the cell served by c.
func New(c *cell.Client, endpoint supervisor.Endpoint, cfg Config, opts ...Option) (*Agent, error) {
	if c == nil || endpoint == nil {
		return nil, errors.New("agent: cell client and endpoint are required")
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Heartbeat < 0 {
		return nil, fmt.Errorf("agent: heartbeat must be positive, got %s", cfg.Heartbeat)
	}
	if cfg.MachinePath != "" {
		if _, err := c.MachineID(cfg.MachinePath); err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
	}
	if cfg.Machine == nil {
		cfg.Machine = &models.Machine{}
	}

	a := &Agent{
		cfg:      cfg,
		cell:     c,
		endpoint: endpoint,
		log:      zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		metrics:  NewMetrics(nil),
		started:  make(map[string]*models.Task),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With(zap.String("group", cfg.Group))
	return a, nil
}

// Run bootstraps the endpoint, registers the machine and consumes tasks
// until ctx is done or the coordination session expires. A canceled ctx is
// a clean stop and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.setState(StateStopped)

	a.setState(StateBootstrapping)
	if err := a.bootstrap(ctx); err != nil {
		return a.stopErr(ctx, fmt.Errorf("bootstrap: %w", err))
	}

	a.setState(StateRegistering)
	machine, err := a.register(ctx)
	if err != nil {
		return a.stopErr(ctx, fmt.Errorf("register: %w", err))
	}

	return a.stopErr(ctx, a.watch(ctx, machine))
}

func (a *Agent) stopErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		a.log.Info("agent stopped")
		return nil
	}
	if err != nil {
		a.log.Error("agent failed", zap.Error(err))
	}
	return err
}

func (a *Agent) register(ctx context.Context) (string, error) {
	machine := a.cfg.MachinePath
	if machine != "" {
		if err := a.cell.RegisterMachine(ctx, machine, a.cfg.Machine); err != nil {
			return "", err
		}
	} else {
		var err error
		if machine, err = a.cell.CreateMachine(ctx, a.cfg.Machine); err != nil {
			return "", err
		}
	}

	a.mu.Lock()
	a.machine = machine
	a.mu.Unlock()

	a.log.Info("machine registered", zap.String("machine", machine))
	a.publish(ctx, natsclient.NewEvent(natsclient.SubjectMachineRegistered, machine, ""))
	return machine, nil
}

// watch is the Watching/Notified loop. The watch channel is nil while a
// re-arm is pending; the heartbeat retries it.
func (a *Agent) watch(ctx context.Context, machine string) error {
	log := a.log.With(zap.String("machine", machine))

	a.setState(StateWatching)
	ids, events, err := a.cell.WatchTasks(ctx, machine)
	if err != nil {
		return fmt.Errorf("watch tasks: %w", err)
	}
	a.processAll(ctx, machine, ids)

	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-a.cell.Expired():
			return fmt.Errorf("machine %s: %w", machine, cell.ErrSessionExpired)

		case ev, ok := <-events:
			events = nil
			if ok && ev.Type == coord.EventNotWatching && errors.Is(ev.Err, coord.ErrSessionExpired) {
				return fmt.Errorf("machine %s: %w", machine, cell.ErrSessionExpired)
			}
			a.metrics.Notifications.Inc()
			a.setState(StateNotified)
			log.Debug("task directory changed", zap.Stringer("event", ev.Type))
			if events, err = a.rearm(ctx, machine); err != nil {
				return err
			}
			a.setState(StateWatching)

		case <-ticker.C:
			log.Debug("heartbeat", zap.Int("started", a.startedCount()), zap.Bool("armed", events != nil))
			if events == nil {
				if events, err = a.rearm(ctx, machine); err != nil {
					return err
				}
			}
		}
	}
}

// rearm re-registers the watch and processes the listing it returns. Errors
// that leave the session usable are logged and yield a nil channel so the
// next heartbeat tries again.
func (a *Agent) rearm(ctx context.Context, machine string) (<-chan coord.Event, error) {
	ids, events, err := a.cell.WatchTasks(ctx, machine)
	switch {
	case err == nil:
		a.processAll(ctx, machine, ids)
		return events, nil
	case errors.Is(err, cell.ErrSessionExpired), errors.Is(err, coord.ErrClosed), ctx.Err() != nil:
		return nil, fmt.Errorf("re-arm watch: %w", err)
	default:
		a.metrics.RearmFailures.Inc()
		a.log.Warn("re-arming watch failed, retrying on heartbeat", zap.String("machine", machine), zap.Error(err))
		return nil, nil
	}
}

func (a *Agent) setState(s State) {
	if State(a.state.Swap(int32(s))) == s {
		return
	}
	a.metrics.State.Set(float64(s))
	a.log.Debug("state changed", zap.Stringer("state", s))
	if a.onState != nil {
		a.onState(s)
	}
}

func (a *Agent) publish(ctx context.Context, ev natsclient.Event) {
	if a.pub == nil {
		return
	}
	if err := a.pub.PublishEvent(ctx, ev); err != nil {
		a.log.Warn("publishing event", zap.String("subject", ev.Subject), zap.Error(err))
	}
}

// State returns the loop's current phase.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Machine returns the registered machine path, or "" before registration.
func (a *Agent) Machine() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.machine
}

// HasTwiddler reports whether bootstrap found runtime program management
// on the endpoint.
func (a *Agent) HasTwiddler() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasTwiddler
}

// Group returns the supervisor group the agent manages.
func (a *Agent) Group() string {
	return a.cfg.Group
}

// Started returns the identifiers of tasks submitted by this agent, in
// name order.
func (a *Agent) Started() []string {
	a.mu.Lock()
	ids := make([]string, 0, len(a.started))
	for id := range a.started {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// StartedTask returns the decoded task submitted under id.
func (a *Agent) StartedTask(id string) (*models.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.started[id]
	return t, ok
}

func (a *Agent) startedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.started)
}
