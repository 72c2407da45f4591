// Package coord defines the primitives consumed from the coordination
// service: atomic node creation (optionally sequential and session-bound),
// deletion, reads, and one-shot child watches.
//
// Two implementations exist: ZKConn talks to a ZooKeeper ensemble, and
// storage.Session serves the same contract from an embedded Badger database
// for single-process deployments and tests.
package coord

import (
	"context"
	"errors"
	"fmt"
)

// Flags modify Create.
type Flags int32

const (
	// FlagEphemeral binds the node's lifetime to the creating session.
	FlagEphemeral Flags = 1 << iota
	// FlagSequence appends a strictly increasing, service-assigned suffix.
	FlagSequence
)

// SequenceWidth is the number of zero-padded digits in a sequence suffix.
const SequenceWidth = 10

// FormatSequence renders a sequence number the way the service appends it.
func FormatSequence(seq int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, seq)
}

var (
	// ErrNodeExists is returned when creating a non-sequential node whose path is taken.
	ErrNodeExists = errors.New("node already exists")
	// ErrNoNode is returned when the node (or the parent of a node being created) is absent.
	ErrNoNode = errors.New("node does not exist")
	// ErrNotEmpty is returned when deleting a node that still has children.
	ErrNotEmpty = errors.New("node has children")
	// ErrSessionExpired is returned once the session bound to the connection is gone.
	ErrSessionExpired = errors.New("session expired")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")
)

// EventType identifies the kind of watch notification.
type EventType int

const (
	// EventChildrenChanged fires when a direct child is added or removed.
	EventChildrenChanged EventType = iota + 1
	// EventNotWatching fires when a watch is dropped without a change, for
	// example because the session expired. Err says why.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventChildrenChanged:
		return "children_changed"
	case EventNotWatching:
		return "not_watching"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered once on a watch channel, which is then closed.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// Conn is a session with the coordination service.
type Conn interface {
	// Create creates a node and returns the path actually created, which
	// differs from path when FlagSequence is set.
	Create(ctx context.Context, path string, data []byte, flags Flags) (string, error)

	// Delete removes a node regardless of its version.
	Delete(ctx context.Context, path string) error

	// Get returns a node's payload.
	Get(ctx context.Context, path string) ([]byte, error)

	// Children lists the names of a node's direct children in name order.
	Children(ctx context.Context, path string) ([]string, error)

	// ChildrenW lists children like Children and arms a one-shot watch that
	// fires on the next child addition or removal. The caller re-arms the
	// watch by calling ChildrenW again.
	ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)

	// Expired is closed when the session has expired and every ephemeral
	// node it owned is gone.
	Expired() <-chan struct{}

	// Close ends the session, removing its ephemeral nodes.
	Close() error
}
