// Package cell is the typed client for one cell of the coordination
// namespace. A cell is laid out as
//
//	<root>/machines/m-<seq>          ephemeral, one per live machine
//	<root>/tasks/<machine-id>        persistent task directory
//	<root>/tasks/<machine-id>/t-<seq> persistent task records
//	<root>/jobs                      reserved
//
// The client holds no records of its own; every call goes to the
// coordination service.
package cell

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/coord"
)

var (
	// ErrValidation is returned, before any call to the service, when a
	// record or path passed to a write operation is unusable.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when reading a node that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a write collides with an existing node.
	ErrAlreadyExists = errors.New("already exists")
	// ErrDecode is returned when a stored payload does not parse as the
	// expected record.
	ErrDecode = errors.New("decode failed")
	// ErrSessionExpired is returned once the coordination session is gone
	// along with every ephemeral node it owned.
	ErrSessionExpired = errors.New("coordination session expired")
)

// Client is the coordination client for one cell.
type Client struct {
	conn coord.Conn
	root string
	log  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a client for the cell rooted at root and makes sure the cell
// layout exists.
func New(ctx context.Context, conn coord.Conn, root string, opts ...Option) (*Client, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nil coordination connection", ErrValidation)
	}
	if err := validateRoot(root); err != nil {
		return nil, err
	}
	c := &Client{conn: conn, root: root, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.String("cell", root))

	if err := c.EnsureLayout(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func validateRoot(root string) error {
	switch {
	case root == "", !strings.HasPrefix(root, "/"):
		return fmt.Errorf("%w: cell root %q must be an absolute path", ErrValidation, root)
	case root == "/":
		return fmt.Errorf("%w: cell root cannot be the namespace root", ErrValidation)
	case path.Clean(root) != root:
		return fmt.Errorf("%w: cell root %q is not a clean path", ErrValidation, root)
	}
	return nil
}

// Root returns the cell root path.
func (c *Client) Root() string { return c.root }

// Expired is closed when the client's coordination session has expired.
func (c *Client) Expired() <-chan struct{} { return c.conn.Expired() }

// translate maps coordination errors onto the cell taxonomy, keeping the
// original error in the chain.
func translate(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coord.ErrNoNode):
		return fmt.Errorf("%s %s: %w: %w", op, p, ErrNotFound, err)
	case errors.Is(err, coord.ErrNodeExists):
		return fmt.Errorf("%s %s: %w: %w", op, p, ErrAlreadyExists, err)
	case errors.Is(err, coord.ErrSessionExpired):
		return fmt.Errorf("%s %s: %w: %w", op, p, ErrSessionExpired, err)
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
}
