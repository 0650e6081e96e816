package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: false, Embedded: true}, newLogger())
	require.NoError(t, err)
	assert.Nil(t, srv)
	srv.Shutdown()
}

func TestStartEmbedded(t *testing.T) {
	srv, err := Start(config.BusConfig{
		Enabled:     true,
		Embedded:    true,
		Port:        -1,
		StoreDir:    t.TempDir(),
		EventStream: "AVATAR_EVENTS",
	}, newLogger())
	require.NoError(t, err)
	require.NotNil(t, srv)
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	assert.Equal(t, nats.CONNECTED, nc.Status())
}
