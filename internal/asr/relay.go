// Package asr relays realtime speech recognition between a stateless
// request/response API and the DashScope duplex WebSocket protocol.
//
// Each [Session] owns one upstream connection. A [Relay] creates sessions on
// [Relay.Start], forwards PCM on [Relay.Feed], and winds them down on
// [Relay.Stop]. Recognition events arrive asynchronously and are folded into
// per-session buffers; Feed and Stop return whatever has accumulated so far.
//
// Sessions live only in memory, in a [Registry] owned by the relay.
package asr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/nox/internal/observe"
)

// Defaults for [Config].
const (
	DefaultURL              = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	DefaultModel            = "paraformer-realtime-v2"
	DefaultSampleRate       = 16000
	DefaultConnectTimeout   = 10 * time.Second
	DefaultTaskStartTimeout = 5 * time.Second
	DefaultStopGrace        = time.Second
)

var (
	// ErrNoCredential means no upstream API key is configured.
	ErrNoCredential = errors.New("asr: upstream credential not configured")

	// ErrConnectTimeout means the upstream connection did not open in time.
	ErrConnectTimeout = errors.New("asr: upstream connection timed out")

	// ErrTaskStartTimeout means task-started did not arrive in time.
	ErrTaskStartTimeout = errors.New("asr: recognition task did not start in time")

	// ErrSessionNotFound means the session id is unknown, closed, or
	// already stopping.
	ErrSessionNotFound = errors.New("asr: session not found")

	// ErrTaskFailed is wrapped by every [TaskError].
	ErrTaskFailed = errors.New("asr: recognition task failed")

	// ErrEmptyAudio means Feed was called without audio.
	ErrEmptyAudio = errors.New("asr: empty audio block")
)

// Config holds relay settings. Zero fields take the package defaults.
type Config struct {
	APIKey           string
	URL              string
	Model            string
	SampleRate       int
	ConnectTimeout   time.Duration
	TaskStartTimeout time.Duration
	StopGrace        time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TaskStartTimeout <= 0 {
		c.TaskStartTimeout = DefaultTaskStartTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// StartResult identifies a freshly started session.
type StartResult struct {
	SessionID string
	TaskID    string
}

// Option is a functional option for [NewRelay].
type Option func(*Relay)

// WithRegistry makes the relay use reg instead of a private registry.
func WithRegistry(reg *Registry) Option {
	return func(r *Relay) { r.reg = reg }
}

// WithDialer replaces the coder/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(r *Relay) { r.dialer = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithAfterFunc replaces time.AfterFunc for the grace delay before a
// stopped or failed session is torn down. fn must not run f before
// returning.
func WithAfterFunc(fn func(d time.Duration, f func())) Option {
	return func(r *Relay) { r.afterFunc = fn }
}

// WithIDGenerator replaces the UUID generator for session and task ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Relay) { r.newID = fn }
}

// Relay implements start, feed, and stop over upstream sessions. It is safe
// for concurrent use.
type Relay struct {
	cfg       Config
	reg       *Registry
	dialer    Dialer
	metrics   *observe.Metrics
	afterFunc func(time.Duration, func())
	newID     func() string
}

// NewRelay creates a Relay. An empty cfg.APIKey is accepted; every Start then
// fails with [ErrNoCredential].
func NewRelay(cfg Config, opts ...Option) *Relay {
	r := &Relay{
		cfg:    cfg.withDefaults(),
		dialer: WebSocketDialer{},
		newID:  uuid.NewString,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(r)
	}
	if r.reg == nil {
		r.reg = NewRegistry()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Configured reports whether an upstream credential is set.
func (r *Relay) Configured() bool { return r.cfg.APIKey != "" }

// Registry returns the registry backing the relay.
func (r *Relay) Registry() *Registry { return r.reg }

// Start opens an upstream connection, starts a recognition task, and
// registers the session once the upstream acknowledges it. On any failure
// the connection is closed and nothing is registered.
func (r *Relay) Start(ctx context.Context) (StartResult, error) {
	if !r.Configured() {
		r.metrics.RecordSessionStart(ctx, observe.OutcomeCredential)
		return StartResult{}, ErrNoCredential
	}

	ctx, span := observe.StartSpan(ctx, "asr.start")
	begin := time.Now()
	sess, err := r.open(ctx)
	observe.EndSpan(span, err)
	if err != nil {
		return StartResult{}, err
	}

	if err := r.reg.Add(sess); err != nil {
		_ = sess.Close()
		return StartResult{}, err
	}
	r.metrics.RecordSessionStart(ctx, observe.OutcomeStarted)
	r.metrics.ASRActiveSessions.Add(ctx, 1)
	r.metrics.ASRStartDuration.Record(ctx, time.Since(begin).Seconds())
	sess.log.Info("asr: session started")
	return StartResult{SessionID: sess.ID, TaskID: sess.TaskID}, nil
}

// open dials and waits for task-started. The returned session is running
// but not registered.
func (r *Relay) open(ctx context.Context) (*Session, error) {
	sessionID, taskID := r.newID(), r.newID()

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	conn, err := r.dialer.Dial(dialCtx, r.cfg.URL, authHeader(r.cfg.APIKey))
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			r.metrics.RecordSessionStart(ctx, observe.OutcomeConnectTimeout)
			return nil, fmt.Errorf("%w after %s: %w", ErrConnectTimeout, r.cfg.ConnectTimeout, err)
		}
		r.metrics.RecordSessionStart(ctx, observe.OutcomeDialError)
		return nil, err
	}

	var sess *Session
	sess = newSession(sessionID, taskID, conn, func(kind EventKind) {
		r.metrics.RecordEvent(context.Background(), string(kind))
	}, func() {
		// Stop schedules its own teardown.
		if sess.stopping.Load() {
			return
		}
		r.afterFunc(r.cfg.StopGrace, func() { r.teardown(sess) })
	})
	sess.start()

	if err := sess.write(ctx, websocket.MessageText, RunTaskCommand(taskID, r.cfg.Model, r.cfg.SampleRate)); err != nil {
		_ = sess.Close()
		r.metrics.RecordSessionStart(ctx, observe.OutcomeDialError)
		return nil, fmt.Errorf("asr: send run-task: %w", err)
	}
	sess.log.Debug("asr: run-task sent")

	timer := time.NewTimer(r.cfg.TaskStartTimeout)
	defer timer.Stop()
	select {
	case <-sess.ready:
		return sess, nil
	case <-sess.closed:
		cause := sess.Err()
		_ = sess.Close()
		if cause != nil {
			r.metrics.RecordSessionStart(ctx, observe.OutcomeTaskFailed)
			return nil, cause
		}
		r.metrics.RecordSessionStart(ctx, observe.OutcomeDialError)
		return nil, errors.New("asr: upstream closed before task started")
	case <-timer.C:
		_ = sess.Close()
		r.metrics.RecordSessionStart(ctx, observe.OutcomeTaskTimeout)
		return nil, fmt.Errorf("%w after %s", ErrTaskStartTimeout, r.cfg.TaskStartTimeout)
	case <-ctx.Done():
		_ = sess.Close()
		return nil, ctx.Err()
	}
}

// Feed forwards one PCM block and returns the session's current transcript.
// The returned text reflects events received so far, not the block just
// sent.
func (r *Relay) Feed(ctx context.Context, sessionID string, pcm []byte) (Transcript, error) {
	if len(pcm) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	sess, err := r.lookup(sessionID)
	if err != nil {
		return Transcript{}, err
	}
	if sess.State() != StateReady || sess.stopping.Load() {
		return Transcript{}, notFound(sessionID, sess.Err())
	}
	if err := sess.write(ctx, websocket.MessageBinary, pcm); err != nil {
		sess.log.Warn("asr: forwarding audio failed", "err", err)
		return Transcript{}, notFound(sessionID, err)
	}
	r.metrics.ASRAudioBytes.Add(ctx, int64(len(pcm)))
	return sess.Snapshot(), nil
}

// Stop sends finish-task and returns the transcript as it stands. The
// connection is closed and the session removed after the grace delay, so
// results that arrive shortly after finish-task still land. A second Stop
// on the same session fails with [ErrSessionNotFound].
//
// When the upstream task already failed, Stop returns the transcript
// together with an [ErrSessionNotFound] wrapping the [*TaskError].
func (r *Relay) Stop(ctx context.Context, sessionID string) (_ Transcript, err error) {
	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, sessionID), "asr.stop")
	defer func() { observe.EndSpan(span, err) }()

	sess, err := r.lookup(sessionID)
	if err != nil {
		return Transcript{}, err
	}
	if !sess.stopping.CompareAndSwap(false, true) {
		return Transcript{}, notFound(sessionID, nil)
	}

	if sess.State() != StateClosed {
		if err := sess.write(ctx, websocket.MessageText, FinishTaskCommand(sess.TaskID)); err != nil {
			sess.log.Warn("asr: send finish-task failed", "err", err)
		} else {
			sess.log.Debug("asr: finish-task sent")
		}
	}
	snap := sess.Snapshot()

	r.afterFunc(r.cfg.StopGrace, func() { r.teardown(sess) })
	if cause := sess.Err(); cause != nil {
		return snap, notFound(sessionID, cause)
	}
	return snap, nil
}

// Close tears down every session immediately, skipping the grace delay.
func (r *Relay) Close(ctx context.Context) error {
	var errs []error
	for _, sess := range r.reg.Drain() {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
		r.metrics.ASRActiveSessions.Add(ctx, -1)
	}
	return errors.Join(errs...)
}

func (r *Relay) teardown(sess *Session) {
	if _, ok := r.reg.Remove(sess.ID); !ok {
		return
	}
	if err := sess.Close(); err != nil {
		sess.log.Debug("asr: close on teardown", "err", err)
	}
	r.metrics.ASRActiveSessions.Add(context.Background(), -1)
	sess.log.Info("asr: session closed")
}

func (r *Relay) lookup(sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	sess, ok := r.reg.Get(sessionID)
	if !ok {
		return nil, notFound(sessionID, nil)
	}
	return sess, nil
}

func notFound(sessionID string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrSessionNotFound, sessionID, cause)
	}
	return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}
