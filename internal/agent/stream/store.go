// Package stream implements resumable, append-only delta streams. Each
// stream is a durable ordered log of chunks; any replay starts from position
// zero and is a byte-exact prefix of any other replay of the same stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/storage"
)

// ErrTerminal is returned when appending to a completed or canceled stream.
var ErrTerminal = errors.New("stream: terminal")

// Chunk is one persisted delta. Seq equals the chunk's index in the log.
type Chunk struct {
	Seq  int    `json:"seq"`
	Data string `json:"data"`
}

// Store manages all streams of one instance. Appends are durably persisted
// before any reader observes them; concurrent readers see the same sequence.
type Store struct {
	st *storage.InstanceStore

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewStore creates a stream store over the instance's storage.
func NewStore(st *storage.InstanceStore) *Store {
	return &Store{st: st, waiters: make(map[string]chan struct{})}
}

// Create registers a stream id. Creating an existing stream is a no-op.
func (s *Store) Create(id string) error {
	return s.st.CreateStream(id)
}

// Exists reports whether the stream id is known.
func (s *Store) Exists(id string) (bool, error) {
	_, err := s.st.GetStream(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Append durably persists one delta and wakes blocked readers. The returned
// position is the total byte length persisted so far. Appending to a
// terminal stream fails with ErrTerminal.
func (s *Store) Append(id string, data []byte) (int64, error) {
	row, err := s.st.GetStream(id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, apperrors.NotFound("Stream not found")
	}
	if err != nil {
		return 0, err
	}
	if row.Completed {
		return row.Position, ErrTerminal
	}

	chunks, err := decodeChunks(row.Chunks)
	if err != nil {
		return 0, err
	}
	chunks = append(chunks, Chunk{Seq: len(chunks), Data: string(data)})
	encoded, err := json.Marshal(chunks)
	if err != nil {
		return 0, fmt.Errorf("encode chunks: %w", err)
	}
	row.Chunks = string(encoded)
	row.Position += int64(len(data))
	if err := s.st.PutStream(row); err != nil {
		return 0, err
	}

	s.notify(id)
	return row.Position, nil
}

// Complete marks the stream terminal after a successful producer run.
func (s *Store) Complete(id string) error {
	return s.terminate(id, false)
}

// Cancel marks the stream terminal without appending further chunks.
// Already-persisted chunks stay replayable. Idempotent.
func (s *Store) Cancel(id string) error {
	return s.terminate(id, true)
}

func (s *Store) terminate(id string, canceled bool) error {
	row, err := s.st.GetStream(id)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NotFound("Stream not found")
	}
	if err != nil {
		return err
	}
	if row.Completed {
		return nil
	}
	row.Completed = true
	row.Canceled = canceled
	if err := s.st.PutStream(row); err != nil {
		return err
	}
	s.notify(id)
	return nil
}

// Status returns the durably persisted byte position and terminal flag.
func (s *Store) Status(id string) (position int64, completed bool, err error) {
	row, err := s.st.GetStream(id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, apperrors.NotFound("Stream not found")
	}
	if err != nil {
		return 0, false, err
	}
	return row.Position, row.Completed, nil
}

// Replay emits every persisted chunk from position zero in order, then
// follows the live tail until the stream turns terminal or ctx is done.
// Readers attached to a terminal stream get exactly the persisted log.
func (s *Store) Replay(ctx context.Context, id string, emit func(data []byte) error) error {
	next := 0
	for {
		row, err := s.st.GetStream(id)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("Stream not found")
		}
		if err != nil {
			return err
		}
		chunks, err := decodeChunks(row.Chunks)
		if err != nil {
			return err
		}
		for ; next < len(chunks); next++ {
			if err := emit([]byte(chunks[next].Data)); err != nil {
				return err
			}
		}
		if row.Completed {
			return nil
		}

		ch := s.waitCh(id)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// DeleteAll removes every stream of the instance and wakes any readers so
// they observe the deletion.
func (s *Store) DeleteAll() error {
	if err := s.st.DeleteStreams(); err != nil {
		return err
	}
	s.mu.Lock()
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) waitCh(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[id]
	if !ok {
		ch = make(chan struct{})
		s.waiters[id] = ch
	}
	return ch
}

func (s *Store) notify(id string) {
	s.mu.Lock()
	if ch, ok := s.waiters[id]; ok {
		close(ch)
		delete(s.waiters, id)
	}
	s.mu.Unlock()
}

func decodeChunks(encoded string) ([]Chunk, error) {
	if encoded == "" {
		return nil, nil
	}
	var chunks []Chunk
	if err := json.Unmarshal([]byte(encoded), &chunks); err != nil {
		return nil, fmt.Errorf("decode chunks: %w", err)
	}
	return chunks, nil
}
