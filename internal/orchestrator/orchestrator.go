// Package orchestrator drives one capture-to-transcript interaction from the
// client side: it opens a relay session, pumps microphone audio through the
// batch and conversion pipeline into the relay, and surfaces partial and
// final text, the input level and failures to a consuming UI.
//
// Lifecycle:
//
//	idle → starting → listening → stopping → idle
//
// with error reachable from starting and from listening. Listening ends in
// error when the relay no longer knows the session or the capture device
// fails; the UI starts again from there. Calls made in the wrong state fail
// with [ErrInvalidState]; nothing is queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nox/internal/capture"
	"github.com/MrWong99/nox/pkg/audio"
)

// ErrInvalidState is returned by Start and Stop when the orchestrator is not
// in a state that accepts the call.
var ErrInvalidState = errors.New("orchestrator: invalid state for operation")

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithBatchConfig overrides the batching thresholds.
func WithBatchConfig(cfg audio.BatchConfig) Option {
	return func(o *Orchestrator) { o.batchCfg = cfg }
}

// WithConvertConfig overrides the conversion pipeline settings.
func WithConvertConfig(cfg audio.ConvertConfig) Option {
	return func(o *Orchestrator) { o.converter = audio.NewConverter(cfg) }
}

// WithCallTimeout bounds every relay call. The default is [DefaultCallTimeout].
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithFFTSize sets the level meter's analysis window. The default is
// [audio.DefaultFFTSize].
func WithFFTSize(n int) Option {
	return func(o *Orchestrator) { o.fftSize = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator is the client-side state machine. It is safe for concurrent
// use; Start and Stop serialise through the state.
type Orchestrator struct {
	client      RelayClient
	source      capture.Source
	batchCfg    audio.BatchConfig
	converter   *audio.Converter
	fftSize     int
	callTimeout time.Duration
	log         *slog.Logger

	updates chan Update

	mu      sync.Mutex
	snap    Snapshot
	session Session
	stream  capture.Stream
	cancel  context.CancelFunc
	loops   *errgroup.Group
}

// New creates an idle orchestrator.
func New(client RelayClient, source capture.Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		source:      source,
		converter:   audio.NewConverter(audio.ConvertConfig{}),
		fftSize:     audio.DefaultFFTSize,
		callTimeout: DefaultCallTimeout,
		log:         slog.Default(),
		updates:     make(chan Update, 32),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Updates delivers a copy of the snapshot after each change. Slow readers
// miss intermediate updates. The channel is never closed.
func (o *Orchestrator) Updates() <-chan Update { return o.updates }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.State
}

// Snapshot returns the current UI view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Start opens a relay session and then the capture source. It returns once
// the orchestrator is listening or has moved to the error state.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if s := o.snap.State; s != StateIdle && s != StateError {
		o.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, s)
	}
	o.snap = Snapshot{State: StateStarting}
	o.publishLocked()
	o.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	sess, err := o.client.StartSession(callCtx)
	cancel()
	if err != nil {
		err = fmt.Errorf("start session: %w", err)
		o.fail(err)
		return err
	}
	log := o.log.With("session_id", sess.ID)

	stream, err := o.source.Open(ctx)
	if err != nil {
		err = fmt.Errorf("open capture: %w", err)
		o.releaseSession(sess.ID)
		o.fail(err)
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	batcher := audio.NewBatcher(o.batchCfg)
	meter := audio.NewLevelMeter(o.fftSize)

	// The pumps may abandon the session, so they start only once it is
	// recorded as listening.
	o.mu.Lock()
	o.session = sess
	o.stream = stream
	o.cancel = runCancel
	o.loops = g
	o.snap.State = StateListening
	o.publishLocked()
	g.Go(func() error {
		o.pumpChunks(runCtx, log, sess.ID, batcher, stream.Chunks())
		return nil
	})
	g.Go(func() error {
		o.pumpLevels(meter, stream.Levels())
		return nil
	})
	o.mu.Unlock()

	log.Info("orchestrator: listening", "task_id", sess.TaskID)
	return nil
}

// Stop releases the capture device, stops the relay session and returns its
// final text. The orchestrator is idle afterwards, also on failure.
func (o *Orchestrator) Stop(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.snap.State != StateListening {
		s := o.snap.State
		o.mu.Unlock()
		return "", fmt.Errorf("%w: stop while %s", ErrInvalidState, s)
	}
	o.snap.State = StateStopping
	o.publishLocked()
	sess, stream, cancel, loops := o.session, o.stream, o.cancel, o.loops
	o.stream, o.cancel, o.loops = nil, nil, nil
	o.mu.Unlock()

	if err := stream.Close(); err != nil {
		o.log.Warn("orchestrator: close capture", "err", err)
	}
	cancel()
	_ = loops.Wait()

	callCtx, callCancel := context.WithTimeout(ctx, o.callTimeout)
	final, err := o.client.StopSession(callCtx, sess.ID)
	callCancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.State = StateIdle
	o.snap.Level = 0
	o.session = Session{}
	if err != nil {
		err = fmt.Errorf("stop session: %w", err)
		o.snap.Err = err.Error()
		o.publishLocked()
		return "", err
	}
	if final != "" {
		o.snap.Final = final
		o.snap.Partial = ""
	}
	o.publishLocked()
	o.log.Info("orchestrator: stopped", "session_id", sess.ID, "final_runes", len([]rune(final)))
	return final, nil
}

func (o *Orchestrator) pumpChunks(ctx context.Context, log *slog.Logger, sessionID string, batcher *audio.Batcher, chunks <-chan audio.Chunk) {
	for c := range chunks {
		batch, ok := batcher.Add(c)
		if !ok {
			continue
		}
		pcm, err := o.converter.Process(batch)
		switch {
		case errors.Is(err, audio.ErrBelowGate):
			log.Debug("orchestrator: batch dropped", "reason", err)
			continue
		case err != nil:
			log.Warn("orchestrator: batch conversion failed", "chunks", len(batch.Chunks), "bytes", batch.Size(), "err", err)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		tr, err := o.client.SendAudio(callCtx, sessionID, pcm)
		cancel()
		switch {
		case err == nil:
			o.applyTranscript(tr)
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrSessionNotFound):
			o.abandon(sessionID, fmt.Errorf("relay session lost: %w", err), false)
			return
		default:
			log.Warn("orchestrator: send audio failed", "bytes", len(pcm), "err", err)
		}
	}
	if ctx.Err() == nil {
		o.abandon(sessionID, errors.New("capture device stopped unexpectedly"), true)
	}
}

func (o *Orchestrator) pumpLevels(meter *audio.LevelMeter, levels <-chan []float32) {
	for frame := range levels {
		lvl := meter.Level(frame)
		o.mu.Lock()
		if o.snap.State == StateListening {
			o.snap.Level = lvl
			o.publishLocked()
		}
		o.mu.Unlock()
	}
}

// applyTranscript updates the displayed text. A non-empty final replaces the
// final text and clears the partial.
func (o *Orchestrator) applyTranscript(tr Transcript) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.State != StateListening {
		return
	}
	changed := false
	if tr.Partial != "" {
		o.snap.Partial = tr.Partial
		changed = true
	}
	if tr.Final != "" {
		o.snap.Final = tr.Final
		o.snap.Partial = ""
		changed = true
	}
	if changed {
		o.publishLocked()
	}
}

// abandon ends listening on sessionID with cause and moves to the error
// state. It does nothing once Stop has taken over. release also stops the
// relay session, which is still open when only the capture side failed.
func (o *Orchestrator) abandon(sessionID string, cause error, release bool) {
	o.mu.Lock()
	if o.snap.State != StateListening || o.session.ID != sessionID {
		o.mu.Unlock()
		return
	}
	stream, cancel := o.stream, o.cancel
	o.session, o.stream, o.cancel, o.loops = Session{}, nil, nil, nil
	o.snap.State = StateError
	o.snap.Level = 0
	o.snap.Err = cause.Error()
	o.publishLocked()
	o.mu.Unlock()

	o.log.Error("orchestrator: listening aborted", "session_id", sessionID, "err", cause)
	if err := stream.Close(); err != nil {
		o.log.Warn("orchestrator: close capture", "err", err)
	}
	cancel()
	if release {
		o.releaseSession(sessionID)
	}
}

// releaseSession stops a relay session the orchestrator will not use.
func (o *Orchestrator) releaseSession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.callTimeout)
	defer cancel()
	if _, err := o.client.StopSession(ctx, id); err != nil {
		o.log.Warn("orchestrator: release session", "session_id", id, "err", err)
	}
}

func (o *Orchestrator) fail(err error) {
	o.log.Error("orchestrator: start failed", "err", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.State = StateError
	o.snap.Err = err.Error()
	o.publishLocked()
}

// publishLocked must be called with o.mu held.
func (o *Orchestrator) publishLocked() {
	select {
	case o.updates <- o.snap:
	default:
	}
}
