package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Lifecycle subjects.
const (
	SubjectMachineRegistered = "odin.machines.registered"
	SubjectTaskDispatched    = "odin.tasks.dispatched"
	SubjectTaskStarted       = "odin.tasks.started"
	SubjectTaskFailed        = "odin.tasks.failed"

	// SubjectAll matches every lifecycle subject.
	SubjectAll = "odin.>"
)

// Event is the JSON body published on lifecycle subjects.
type Event struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Machine string    `json:"machine"`
	Task    string    `json:"task,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// NewEvent stamps a fresh event for subject.
func NewEvent(subject, machine, task string) Event {
	return Event{
		ID:      uuid.NewString(),
		Subject: subject,
		Machine: machine,
		Task:    task,
		Time:    time.Now().UTC(),
	}
}

// WithError records err on the event.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

type Publisher struct {
	nc  *nats.Conn
	url string
	log *zap.Logger
}

func connect(url, name string, log *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	return nats.Connect(url, opts...)
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, name string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")
	nc, err := connect(url, name, log)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &Publisher{nc: nc, url: url, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nc.Publish(subject, payload)
}

// PublishEvent publishes ev as JSON on ev.Subject.
func (p *Publisher) PublishEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, ev.Subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Subject, err)
	}
	p.log.Debug("event published", zap.String("subject", ev.Subject), zap.String("id", ev.ID))
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
