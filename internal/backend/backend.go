// Package backend opens the coordination connection selected by
// configuration.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/config"
	"github.com/sholiday/odin/internal/coord"
	"github.com/sholiday/odin/internal/storage"
)

// Conn is a coordination session plus whatever owns it.
type Conn struct {
	coord.Conn
	store *storage.BadgerStore
}

// Open dials ZooKeeper or opens the local Badger store. The local store
// takes an exclusive lock on its data directory, so only one process can
// use a persistent local cell at a time.
func Open(ctx context.Context, cfg config.CoordinationConfig, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Backend {
	case config.BackendZooKeeper:
		zc, err := coord.DialZooKeeper(ctx, cfg.Servers, cfg.SessionTimeout, log.Named("zk"))
		if err != nil {
			return nil, err
		}
		return &Conn{Conn: zc}, nil
	case config.BackendLocal:
		store, err := storage.NewBadgerStore(cfg.DataDir, storage.WithLogger(log.Named("store")))
		if err != nil {
			return nil, err
		}
		log.Info("local coordination store opened", zap.String("dir", cfg.DataDir))
		return &Conn{Conn: store.Session(), store: store}, nil
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", cfg.Backend)
	}
}

// Close ends the session and, for the local backend, closes the store.
func (c *Conn) Close() error {
	err := c.Conn.Close()
	if c.store != nil {
		if cerr := c.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
