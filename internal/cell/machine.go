package cell

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/codec"
	"github.com/sholiday/odin/internal/coord"
	"github.com/sholiday/odin/internal/models"
)

func encodeMachine(m *models.Machine) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	data, err := codec.MarshalMachine(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return data, nil
}

// CreateMachine creates a sequential ephemeral machine node together with its
// task directory and returns the machine path.
func (c *Client) CreateMachine(ctx context.Context, m *models.Machine) (string, error) {
	data, err := encodeMachine(m)
	if err != nil {
		return "", err
	}

	p, err := c.conn.Create(ctx, path.Join(c.MachinesPath(), MachinePrefix), data, coord.FlagEphemeral|coord.FlagSequence)
	if err != nil {
		return "", translate("create machine", c.MachinesPath(), err)
	}
	if err := c.ensureTaskDir(ctx, p); err != nil {
		c.rollbackMachine(p, err)
		return "", err
	}

	c.log.Info("machine created", zap.String("machine", p))
	return p, nil
}

// RegisterMachine creates an ephemeral machine node at a caller-chosen path
// and makes sure its task directory exists. ErrAlreadyExists means another
// live session owns the identity.
func (c *Client) RegisterMachine(ctx context.Context, machinePath string, m *models.Machine) error {
	if _, err := c.MachineID(machinePath); err != nil {
		return err
	}
	data, err := encodeMachine(m)
	if err != nil {
		return err
	}

	if _, err := c.conn.Create(ctx, machinePath, data, coord.FlagEphemeral); err != nil {
		return translate("register machine", machinePath, err)
	}
	if err := c.ensureTaskDir(ctx, machinePath); err != nil {
		c.rollbackMachine(machinePath, err)
		return err
	}

	c.log.Info("machine registered", zap.String("machine", machinePath))
	return nil
}

func (c *Client) ensureTaskDir(ctx context.Context, machinePath string) error {
	dir, err := c.TaskDir(machinePath)
	if err != nil {
		return err
	}
	if _, err := c.conn.Create(ctx, dir, nil, 0); err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return translate("create task directory", dir, err)
	}
	return nil
}

// rollbackMachine removes a machine node whose task directory could not be
// created. It runs detached from the caller's context, which may be the
// reason the directory failed.
func (c *Client) rollbackMachine(machinePath string, cause error) {
	if err := c.conn.Delete(context.Background(), machinePath); err != nil && !errors.Is(err, coord.ErrNoNode) {
		c.log.Error("rolling back machine node", zap.String("machine", machinePath), zap.NamedError("cause", cause), zap.Error(err))
	}
}

// RemoveMachine deletes a machine node. It reports false, without error, when
// the node is already gone. The task directory is kept.
func (c *Client) RemoveMachine(ctx context.Context, machinePath string) (bool, error) {
	if _, err := c.MachineID(machinePath); err != nil {
		return false, err
	}
	if err := c.conn.Delete(ctx, machinePath); err != nil {
		if errors.Is(err, coord.ErrNoNode) {
			return false, nil
		}
		return false, translate("remove machine", machinePath, err)
	}
	c.log.Info("machine removed", zap.String("machine", machinePath))
	return true, nil
}

// GetMachine reads and decodes a machine record.
func (c *Client) GetMachine(ctx context.Context, machinePath string) (*models.Machine, error) {
	if _, err := c.MachineID(machinePath); err != nil {
		return nil, err
	}
	data, err := c.conn.Get(ctx, machinePath)
	if err != nil {
		return nil, translate("get machine", machinePath, err)
	}
	m, err := codec.UnmarshalMachine(data)
	if err != nil {
		return nil, fmt.Errorf("get machine %s: %w: %w", machinePath, ErrDecode, err)
	}
	return m, nil
}

// ListMachines returns the paths of live machines in creation order.
func (c *Client) ListMachines(ctx context.Context) ([]string, error) {
	names, err := c.conn.Children(ctx, c.MachinesPath())
	if err != nil {
		return nil, translate("list machines", c.MachinesPath(), err)
	}
	paths := make([]string, 0, len(names))
	for _, n := range names {
		paths = append(paths, path.Join(c.MachinesPath(), n))
	}
	return paths, nil
}
