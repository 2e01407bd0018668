// Package mic captures the default input device with PortAudio and emits
// WAV-encoded chunks on a fixed interval plus per-buffer level frames.
package mic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/nox/internal/capture"
	"github.com/MrWong99/nox/pkg/audio"
)

// Defaults for [Config].
const (
	DefaultSampleRate      = 48000
	DefaultChannels        = 1
	DefaultFramesPerBuffer = 1024
	DefaultChunkInterval   = 3 * time.Second
)

// Config describes the capture format.
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int

	// ChunkInterval is the amount of audio carried by each emitted chunk.
	ChunkInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	return c
}

// device is a started input stream. Read blocks until one buffer of
// interleaved samples is available.
type device interface {
	Read() ([]int16, error)
	Close() error
}

// Source opens the system's default input device.
type Source struct {
	cfg  Config
	open func(Config) (device, error)
	log  *slog.Logger
}

var _ capture.Source = (*Source)(nil)

// New creates a Source. Zero config fields take the package defaults.
func New(cfg Config) *Source {
	return &Source{cfg: cfg.withDefaults(), open: openPortAudio, log: slog.Default()}
}

// Open acquires the device and starts capture. ctx only bounds acquisition.
func (s *Source) Open(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := s.open(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("mic: open input: %w", err)
	}
	st := &stream{
		cfg:    s.cfg,
		dev:    dev,
		log:    s.log,
		chunks: make(chan audio.Chunk, 4),
		levels: make(chan []float32, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go st.run()
	s.log.Info("mic: capture started",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"chunk_interval", s.cfg.ChunkInterval)
	return st, nil
}

type stream struct {
	cfg    Config
	dev    device
	log    *slog.Logger
	chunks chan audio.Chunk
	levels chan []float32

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (st *stream) Chunks() <-chan audio.Chunk { return st.chunks }
func (st *stream) Levels() <-chan []float32   { return st.levels }

// Close stops the read loop and releases the device. The partially filled
// chunk is discarded.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		close(st.done)
		<-st.exited
		st.closeErr = st.dev.Close()
	})
	return st.closeErr
}

func (st *stream) run() {
	defer close(st.exited)
	defer close(st.levels)
	defer close(st.chunks)

	perChunk := int(float64(st.cfg.SampleRate)*st.cfg.ChunkInterval.Seconds()) * st.cfg.Channels
	pending := make([]int16, 0, perChunk)

	for {
		select {
		case <-st.done:
			return
		default:
		}

		buf, err := st.dev.Read()
		if err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				st.log.Debug("mic: input overflowed")
			} else {
				st.log.Warn("mic: read failed, stopping capture", "err", err)
				return
			}
		}
		if len(buf) == 0 {
			continue
		}

		select {
		case st.levels <- monoFloat(buf, st.cfg.Channels):
		default:
		}

		pending = append(pending, buf...)
		if len(pending) < perChunk {
			continue
		}
		data, err := audio.EncodeWAV(pending, st.cfg.SampleRate, st.cfg.Channels)
		pending = pending[:0]
		if err != nil {
			st.log.Warn("mic: encode chunk", "err", err)
			continue
		}
		select {
		case st.chunks <- audio.Chunk{Data: data, MIMEType: audio.MIMEWAV}:
		case <-st.done:
			return
		}
	}
}

// monoFloat averages interleaved int16 frames into [-1, 1] floats.
func monoFloat(buf []int16, channels int) []float32 {
	frames := len(buf) / channels
	out := make([]float32, frames)
	for i := range out {
		var sum float32
		for c := range channels {
			sum += float32(buf[i*channels+c]) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ── PortAudio ─────────────────────────────────────────────────────────────────

type paDevice struct {
	stream *portaudio.Stream
	buf    []int16
}

func openPortAudio(cfg Config) (device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	buf := make([]int16, cfg.FramesPerBuffer*cfg.Channels)
	s, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio open stream: %w", err)
	}
	if err := s.Start(); err != nil {
		s.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio start stream: %w", err)
	}
	return &paDevice{stream: s, buf: buf}, nil
}

// Read returns a copy so callers may keep the slice across reads.
func (d *paDevice) Read() ([]int16, error) {
	err := d.stream.Read()
	return append([]int16(nil), d.buf...), err
}

func (d *paDevice) Close() error {
	err := errors.Join(d.stream.Stop(), d.stream.Close())
	return errors.Join(err, portaudio.Terminate())
}
