// Package audio implements the capture-side audio pipeline for realtime
// recognition: encoded chunks are batched, decoded to float samples,
// downmixed and resampled to 16 kHz mono, and quantised to little-endian
// 16-bit PCM before being handed to the recognition relay.
//
// The package also provides a lightweight level meter used for UI feedback.
// Nothing here talks to the network; transport lives in the orchestrator.
package audio

import "errors"

// Well-known MIME types for encoded chunks.
const (
	MIMEWAV     = "audio/wav"
	MIMEMPEG    = "audio/mpeg"
	MIMEOggOpus = "audio/ogg; codecs=opus"
	MIMEPCM     = "audio/pcm"
)

var (
	// ErrBatchTooSmall is returned when a batch is below the minimum size
	// worth decoding.
	ErrBatchTooSmall = errors.New("audio: batch too small")

	// ErrBelowGate is returned when a batch is dropped by a transmission
	// threshold. It is not a failure; callers normally just skip the send.
	ErrBelowGate = errors.New("audio: batch below transmission threshold")

	// ErrDecode is returned when neither the primary nor the alternate
	// decoder could make sense of a batch.
	ErrDecode = errors.New("audio: decode failed")

	// ErrEmptyAudio is returned when a decoder produced no samples.
	ErrEmptyAudio = errors.New("audio: no samples decoded")

	// ErrUnsupportedFormat is returned by DecoderFor for unknown MIME types.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
)

// Chunk is a single block of encoded audio handed over by a capture source.
type Chunk struct {
	// Data is the encoded payload (a WAV file, an MPEG frame run, an Ogg
	// page run, or raw PCM).
	Data []byte

	// MIMEType names the container/codec of Data. Empty is treated as
	// unknown and resolved by sniffing.
	MIMEType string
}

// Buffer is planar float audio with samples in [-1, 1].
type Buffer struct {
	SampleRate int

	// Samples holds one slice per channel. All channel slices have the
	// same length.
	Samples [][]float32
}

// Channels reports the number of channels in b.
func (b *Buffer) Channels() int { return len(b.Samples) }

// Frames reports the number of samples per channel.
func (b *Buffer) Frames() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}
