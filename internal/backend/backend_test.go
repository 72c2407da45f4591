package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sholiday/odin/internal/config"
	"github.com/sholiday/odin/internal/coord"
)

func TestOpenLocalPersists(t *testing.T) {
	ctx := context.Background()
	cfg := config.CoordinationConfig{Backend: config.BackendLocal, DataDir: t.TempDir()}

	conn, err := Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = conn.Create(ctx, "/odin", nil, 0)
	require.NoError(t, err)
	_, err = conn.Create(ctx, "/odin/eph", nil, coord.FlagEphemeral)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer conn.Close()
	children, err := conn.Children(ctx, "/odin")
	require.NoError(t, err)
	assert.Empty(t, children)
	_, err = conn.Get(ctx, "/odin")
	assert.NoError(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.CoordinationConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}
