package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZKConn implements Conn on a ZooKeeper session.
type ZKConn struct {
	conn *zk.Conn
	acl  []zk.ACL
	log  *zap.Logger

	expired    chan struct{}
	expireOnce sync.Once
}

// zapPrinter adapts zap to the zk client's Printf logger.
type zapPrinter struct {
	s *zap.SugaredLogger
}

func (p zapPrinter) Printf(format string, args ...interface{}) {
	p.s.Debugf(format, args...)
}

// DialZooKeeper connects to the ensemble and blocks until a session is
// established, ctx is done, or sessionTimeout elapses.
func DialZooKeeper(ctx context.Context, servers []string, sessionTimeout time.Duration, log *zap.Logger) (*ZKConn, error) {
	if len(servers) == 0 {
		return nil, errors.New("zookeeper: no servers configured")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("zookeeper")

	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zapPrinter{s: log.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("zookeeper connect: %w", err)
	}

	timer := time.NewTimer(sessionTimeout)
	defer timer.Stop()
	for established := false; !established; {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("zookeeper connect: %w", ErrClosed)
			}
			log.Debug("session event", zap.Stringer("state", ev.State))
			if ev.State == zk.StateHasSession {
				established = true
			}
		case <-timer.C:
			conn.Close()
			return nil, fmt.Errorf("zookeeper connect: no session after %s", sessionTimeout)
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		}
	}

	z := &ZKConn{
		conn:    conn,
		acl:     zk.WorldACL(zk.PermAll),
		log:     log,
		expired: make(chan struct{}),
	}
	// The client panics if its event channel fills, so it is drained for the
	// life of the connection.
	go z.monitor(events)

	log.Info("session established", zap.Int64("session_id", conn.SessionID()))
	return z, nil
}

func (z *ZKConn) monitor(events <-chan zk.Event) {
	for ev := range events {
		switch ev.State {
		case zk.StateExpired:
			z.log.Warn("session expired")
			z.expireOnce.Do(func() { close(z.expired) })
		case zk.StateDisconnected:
			z.log.Warn("disconnected", zap.String("server", ev.Server))
		case zk.StateHasSession:
			z.log.Info("session restored", zap.String("server", ev.Server))
		}
	}
}

// Create implements Conn.
func (z *ZKConn) Create(ctx context.Context, path string, data []byte, flags Flags) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var zf int32
	if flags&FlagEphemeral != 0 {
		zf |= zk.FlagEphemeral
	}
	if flags&FlagSequence != 0 {
		zf |= zk.FlagSequence
	}
	if data == nil {
		data = []byte{}
	}
	created, err := z.conn.Create(path, data, zf, z.acl)
	if err != nil {
		return "", translate(err)
	}
	return created, nil
}

// Delete implements Conn.
func (z *ZKConn) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(z.conn.Delete(path, -1))
}

// Get implements Conn.
func (z *ZKConn) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := z.conn.Get(path)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// Children implements Conn. ZooKeeper does not order children, so they are
// sorted by name.
func (z *ZKConn) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := z.conn.Children(path)
	if err != nil {
		return nil, translate(err)
	}
	sort.Strings(children)
	return children, nil
}

// ChildrenW implements Conn.
func (z *ZKConn) ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	children, _, ch, err := z.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, translate(err)
	}
	sort.Strings(children)

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-ch
		if !ok {
			out <- Event{Type: EventNotWatching, Path: path, Err: ErrClosed}
			return
		}
		out <- translateEvent(ev, path)
	}()
	return children, out, nil
}

// Expired implements Conn.
func (z *ZKConn) Expired() <-chan struct{} {
	return z.expired
}

// Close implements Conn.
func (z *ZKConn) Close() error {
	z.conn.Close()
	return nil
}

func translateEvent(ev zk.Event, path string) Event {
	switch ev.Type {
	case zk.EventNodeChildrenChanged:
		return Event{Type: EventChildrenChanged, Path: ev.Path}
	case zk.EventNodeDeleted:
		return Event{Type: EventNotWatching, Path: ev.Path, Err: ErrNoNode}
	case zk.EventNotWatching:
		err := translate(ev.Err)
		if err == nil {
			err = ErrClosed
		}
		return Event{Type: EventNotWatching, Path: path, Err: err}
	default:
		return Event{Type: EventNotWatching, Path: path, Err: fmt.Errorf("unexpected watch event %s", ev.Type)}
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %w", ErrNodeExists, err)
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %w", ErrNoNode, err)
	case errors.Is(err, zk.ErrNotEmpty):
		return fmt.Errorf("%w: %w", ErrNotEmpty, err)
	case errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return err
	}
}
