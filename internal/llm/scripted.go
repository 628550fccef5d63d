package llm

import (
	"context"
	"strings"
	"sync"
)

// Scripted is a deterministic Provider used in development and tests. It
// replays enqueued responses in order; when the queue is empty it echoes a
// short acknowledgement so the loop always terminates.
type Scripted struct {
	mu        sync.Mutex
	queue     []Response
	chunkSize int
}

// NewScripted creates a scripted provider. chunkSize controls how many bytes
// each streamed delta carries; zero selects a small default.
func NewScripted(chunkSize int) *Scripted {
	if chunkSize <= 0 {
		chunkSize = 16
	}
	return &Scripted{chunkSize: chunkSize}
}

// Enqueue appends a canned response to the script.
func (s *Scripted) Enqueue(resp Response) {
	s.mu.Lock()
	s.queue = append(s.queue, resp)
	s.mu.Unlock()
}

func (s *Scripted) next(req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		resp := s.queue[0]
		s.queue = s.queue[1:]
		return resp
	}
	// Default: acknowledge the latest user message without proposing tools.
	last := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Text()
		}
	}
	if last == "" {
		return Response{Text: "OK."}
	}
	return Response{Text: "Acknowledged: " + last}
}

// Complete pops the next scripted response.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := s.next(req)
	return &resp, nil
}

// Stream pops the next scripted response and emits its text in fixed-size
// chunks on rune boundaries.
func (s *Scripted) Stream(ctx context.Context, req Request, emit DeltaFunc) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := s.next(req)
	var b strings.Builder
	for _, r := range resp.Text {
		b.WriteRune(r)
		if b.Len() >= s.chunkSize {
			if err := emit(b.String()); err != nil {
				return nil, err
			}
			b.Reset()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if b.Len() > 0 {
		if err := emit(b.String()); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}
