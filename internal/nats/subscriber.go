package natsclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscriber receives lifecycle events.
type Subscriber struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewSubscriber connects to the NATS server at url.
func NewSubscriber(url, name string, log *zap.Logger) (*Subscriber, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")
	nc, err := connect(url, name, log)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &Subscriber{nc: nc, log: log}, nil
}

// Listen delivers every event on subject to fn until ctx is done. Messages
// that are not events are logged and dropped.
func (s *Subscriber) Listen(ctx context.Context, subject string, fn func(Event)) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			ev, err := DecodeEvent(msg.Data)
			if err != nil {
				s.log.Warn("dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}

// DecodeEvent parses an event body.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Subject == "" {
		return Event{}, fmt.Errorf("event %q has no subject", ev.ID)
	}
	return ev, nil
}

func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
