package stream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/db"
	"github.com/agenthost/agenthost/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := storage.New(sqlDB)
	require.NoError(t, err)
	return NewStore(store.Instance("support", "alice"))
}

func collectAll(t *testing.T, s *Store, id string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var chunks []string
	err := s.Replay(ctx, id, func(data []byte) error {
		chunks = append(chunks, string(data))
		return nil
	})
	require.NoError(t, err)
	return chunks
}

func TestReplayTerminalStreamExactLog(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("s1"))

	_, err := s.Append("s1", []byte("hello "))
	require.NoError(t, err)
	pos, err := s.Append("s1", []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), pos)
	require.NoError(t, s.Complete("s1"))

	first := collectAll(t, s, "s1")
	second := collectAll(t, s, "s1")
	assert.Equal(t, []string{"hello ", "world"}, first)
	// Every replay of the same stream yields the same byte sequence.
	assert.Equal(t, first, second)
}

func TestReplayFollowsLiveTail(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("s1"))
	_, err := s.Append("s1", []byte("a"))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- s.Replay(context.Background(), "s1", func(data []byte) error {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
			return nil
		})
	}()

	// Reader attached mid-stream must see the prefix plus the live tail.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.Append("s1", []byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.Complete("s1"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish after stream completed")
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCancelKeepsPersistedChunks(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("s1"))
	_, err := s.Append("s1", []byte("partial"))
	require.NoError(t, err)

	require.NoError(t, s.Cancel("s1"))
	// Idempotent.
	require.NoError(t, s.Cancel("s1"))

	_, err = s.Append("s1", []byte("late"))
	assert.ErrorIs(t, err, ErrTerminal)

	pos, completed, err := s.Status("s1")
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, int64(len("partial")), pos)

	assert.Equal(t, []string{"partial"}, collectAll(t, s, "s1"))
}

func TestCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("s1"))
	_, err := s.Append("s1", []byte("x"))
	require.NoError(t, err)

	// Re-creating must not truncate the existing log.
	require.NoError(t, s.Create("s1"))
	pos, _, err := s.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
}

func TestUnknownStreamNotFound(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Status("missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	assert.Equal(t, "Stream not found", apperrors.As(err).Message)

	err = s.Replay(context.Background(), "missing", func([]byte) error { return nil })
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestDeleteAllRemovesStreams(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("s1"))
	require.NoError(t, s.Create("s2"))

	require.NoError(t, s.DeleteAll())

	_, _, err := s.Status("s1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	_, _, err = s.Status("s2")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}
