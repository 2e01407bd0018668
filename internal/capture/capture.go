// Package capture defines the audio source contract consumed by the client
// orchestrator. Implementations live in sub-packages (see mic).
package capture

import (
	"context"

	"github.com/MrWong99/nox/pkg/audio"
)

// Source opens capture streams. One stream is open at a time.
type Source interface {
	// Open acquires the device and starts emitting chunks. The returned
	// stream owns the device until Close.
	Open(ctx context.Context) (Stream, error)
}

// Stream is one open capture.
//
// Chunks carries encoded audio at the source's chunk interval. Levels carries
// short mono frames of float samples in [-1, 1] for the level meter. Both
// channels are closed after Close returns or when the device fails.
type Stream interface {
	Chunks() <-chan audio.Chunk
	Levels() <-chan []float32

	// Close stops capture and releases the device. It is safe to call more
	// than once.
	Close() error
}
