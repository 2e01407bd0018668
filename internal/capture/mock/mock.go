// Package mock provides test doubles for the capture interfaces.
//
// A Source hands out Streams whose channels the test feeds directly:
//
//	src := &mock.Source{}
//	orch := orchestrator.New(client, src)
//	_ = orch.Start(ctx)
//	src.Last().Chunks <- audio.Chunk{Data: wav, MIMEType: audio.MIMEWAV}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/nox/internal/capture"
	"github.com/MrWong99/nox/pkg/audio"
)

// Source is a mock implementation of capture.Source.
type Source struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls counts calls to Open.
	OpenCalls int

	streams []*Stream
}

// Open records the call and returns a fresh Stream or OpenErr.
func (s *Source) Open(context.Context) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := NewStream()
	s.streams = append(s.streams, st)
	return st, nil
}

// Opens returns the number of Open calls.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OpenCalls
}

// Last returns the most recently opened stream, or nil.
func (s *Source) Last() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

var _ capture.Source = (*Source)(nil)

// Stream is a mock capture.Stream. Tests send on ChunkC and LevelC; Close
// closes both.
type Stream struct {
	ChunkC chan audio.Chunk
	LevelC chan []float32

	// CloseErr is returned by every Close call.
	CloseErr error

	mu     sync.Mutex
	closes int
	once   sync.Once
}

// NewStream returns a Stream with unbuffered channels.
func NewStream() *Stream {
	return &Stream{
		ChunkC: make(chan audio.Chunk),
		LevelC: make(chan []float32),
	}
}

// Chunks implements capture.Stream.
func (s *Stream) Chunks() <-chan audio.Chunk { return s.ChunkC }

// Levels implements capture.Stream.
func (s *Stream) Levels() <-chan []float32 { return s.LevelC }

// Close implements capture.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() {
		close(s.ChunkC)
		close(s.LevelC)
	})
	return s.CloseErr
}

// Fail closes both channels without a Close call, the way a stream ends
// when its device fails.
func (s *Stream) Fail() {
	s.once.Do(func() {
		close(s.ChunkC)
		close(s.LevelC)
	})
}

// Closes returns how many times Close was called.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ capture.Stream = (*Stream)(nil)
