package websocket

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/agent"
	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/db"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/llm"
	"github.com/agenthost/agenthost/internal/storage"
	"github.com/agenthost/agenthost/pkg/protocol"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := storage.New(sqlDB)
	require.NoError(t, err)

	log := logger.Default()
	registry := agent.NewRegistry(store, bus.NewMemoryEventBus(log), llm.NewScripted(0), nil, nil,
		config.RuntimeConfig{ToolsPerTick: 5, MaxSteps: 50, EventRingSize: 100, SubagentTimeout: time.Minute},
		log)
	t.Cleanup(func() { registry.HibernateAll(context.Background()) })

	return NewGateway(registry, log).HubFor("support", "alice")
}

// A chat replay goroutine can outlive its connection: frames sent after the
// hub dropped the client must be discarded, never crash the process.
func TestSendAfterDisconnectDropsFrame(t *testing.T) {
	h := newTestHub(t)
	c := NewClient("conn-1", Attachment{}, nil, h, logger.Default())
	h.register(c)
	require.Equal(t, 1, h.clientCount())

	h.unregister(c)
	require.Equal(t, 0, h.clientCount())

	assert.NotPanics(t, func() {
		c.sendFrame(protocol.UseChatResponse{Type: protocol.TypeUseChatResponse, Done: true})
	})
	// Nothing was queued for the write pump.
	assert.Empty(t, c.send)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	c := NewClient("conn-1", Attachment{}, nil, h, logger.Default())
	h.register(c)

	h.unregister(c)
	assert.NotPanics(t, func() { h.unregister(c) })
	assert.NotPanics(t, c.shutdown)
}

func TestBroadcastSkipsDisconnectedClient(t *testing.T) {
	h := newTestHub(t)
	live := NewClient("conn-live", Attachment{}, nil, h, logger.Default())
	gone := NewClient("conn-gone", Attachment{}, nil, h, logger.Default())
	h.register(live)
	h.register(gone)
	h.unregister(gone)

	h.broadcast(protocol.State{Type: protocol.TypeState}, false)

	assert.Len(t, live.send, 1)
	assert.Empty(t, gone.send)
}
