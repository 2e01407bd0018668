// Package app wires the NOX subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the relay, the
// proxies and the stores from config, Run serves HTTP until the context
// ends, and Shutdown tears down live recognition sessions and storage.
//
// For testing, inject doubles via functional options (WithRelay,
// WithStores, etc.). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nox/internal/asr"
	"github.com/MrWong99/nox/internal/chat"
	"github.com/MrWong99/nox/internal/clientip"
	"github.com/MrWong99/nox/internal/config"
	"github.com/MrWong99/nox/internal/health"
	"github.com/MrWong99/nox/internal/history"
	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/samples"
	"github.com/MrWong99/nox/internal/tts"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	level   *slog.LevelVar
	metrics *observe.Metrics
	gather  prometheus.Gatherer

	relay   *asr.Relay
	oneshot *asr.Transcriber
	chat    *chat.Service
	tts     *tts.Service
	history history.HistoryStore
	topics  history.TopicStore
	pinger  health.Pinger
	samples *samples.Store

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRelay injects a recognition relay instead of building one from config.
func WithRelay(r *asr.Relay) Option {
	return func(a *App) { a.relay = r }
}

// WithStores injects history and topic stores. p backs the readiness probe
// and may be nil.
func WithStores(h history.HistoryStore, t history.TopicStore, p health.Pinger) Option {
	return func(a *App) {
		a.history, a.topics, a.pinger = h, t, p
	}
}

// WithMetrics sets the metrics sink. The default is observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets what /metrics serves. The default is the Prometheus
// default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gather = g }
}

// WithLevelVar hands the app the variable behind the process log level so
// config reloads can change it.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds an App from cfg. Storage is opened synchronously; a PostgreSQL
// backend is migrated before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}

	if a.relay == nil {
		a.relay = asr.NewRelay(asr.Config{
			APIKey:           cfg.Upstream.APIKey,
			URL:              cfg.Upstream.WSURL,
			Model:            cfg.ASR.Model,
			SampleRate:       cfg.ASR.SampleRate,
			ConnectTimeout:   cfg.ASR.ConnectTimeout,
			TaskStartTimeout: cfg.ASR.TaskStartTimeout,
			StopGrace:        cfg.ASR.StopGrace,
		}, asr.WithMetrics(a.metrics))
	}

	a.oneshot = asr.NewTranscriber(asr.TranscriberConfig{
		APIKey:     cfg.Upstream.APIKey,
		BaseURL:    cfg.Upstream.BaseURL,
		Model:      cfg.ASR.Model,
		SampleRate: cfg.ASR.SampleRate,
	}, asr.WithTranscriberMetrics(a.metrics))

	a.chat = chat.New(chat.Config{
		APIKey:         cfg.Upstream.APIKey,
		BaseURL:        cfg.Upstream.BaseURL,
		TextModel:      cfg.Chat.TextModel,
		VisionModel:    cfg.Chat.VisionModel,
		FallbackModels: cfg.Chat.FallbackModels,
		SystemPrompt:   cfg.Chat.SystemPrompt,
		MaxTokens:      cfg.Chat.MaxTokens,
		Temperature:    cfg.Chat.Temperature,
		Timeout:        cfg.Chat.Timeout,
	}, chat.WithMetrics(a.metrics))

	a.tts = tts.New(tts.Config{
		APIKey:       cfg.Upstream.APIKey,
		BaseURL:      cfg.Upstream.BaseURL,
		Model:        cfg.TTS.Model,
		DefaultVoice: cfg.TTS.DefaultVoice,
		Timeout:      cfg.TTS.Timeout,
		MaxRetries:   cfg.TTS.MaxRetries,
		RetryDelay:   cfg.TTS.RetryDelay,
		MaxTextRunes: cfg.TTS.MaxTextRunes,
	}, tts.WithMetrics(a.metrics))

	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	a.samples = samples.NewStore(cfg.Samples.Dir, cfg.Samples.MaxFileSize)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initStorage opens the configured history backend unless stores were
// injected.
func (a *App) initStorage(ctx context.Context) error {
	if a.history != nil && a.topics != nil {
		return nil
	}

	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		if err := history.Migrate(ctx, pool); err != nil {
			pool.Close()
			return err
		}
		h := history.NewPostgresHistory(pool)
		a.history, a.topics, a.pinger = h, history.NewPostgresTopics(pool, a.cfg.Storage.MaxTopics), h
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		slog.Info("history storage ready", "backend", "postgres")

	default:
		dir := a.cfg.Storage.DataDir
		h := history.NewFileHistory(dir)
		a.history, a.topics, a.pinger = h, history.NewFileTopics(dir, history.WithMaxTopics(a.cfg.Storage.MaxTopics)), h
		slog.Info("history storage ready", "backend", "file", "dir", filepath.Clean(dir))
	}
	return nil
}

// answer feeds recognised speech to the chat proxy.
func (a *App) answer(ctx context.Context, text string) (string, error) {
	reply, err := a.chat.Reply(ctx, chat.Request{Message: text})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// Relay returns the recognition relay.
func (a *App) Relay() *asr.Relay { return a.relay }

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler builds the full route table wrapped in the observability
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	asr.NewHandler(a.relay).Register(mux)
	asr.NewTranscribeHandler(a.oneshot, a.answer).Register(mux)
	chat.NewHandler(a.chat).Register(mux)
	tts.NewHandler(a.tts).Register(mux)
	history.NewHandler(a.history, a.topics).Register(mux)
	samples.NewHandler(a.samples).Register(mux)
	clientip.Register(mux)

	checkers := []health.Checker{
		health.Credential(a.relay.Configured),
		health.Sessions(a.relay.Registry().Len, 0),
	}
	if a.pinger != nil {
		checkers = append(checkers, health.Storage(a.pinger))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, observe.MetricsHandler(a.gather))

	return observe.Middleware(a.metrics, "/healthz", "/readyz", a.cfg.Telemetry.MetricsPath)(mux)
}

// Run serves HTTP until ctx ends, then drains the server within the
// configured shutdown timeout. Listen failures are returned.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Watch starts polling path for config changes and applies the
// hot-reloadable ones. The watcher stops on Shutdown.
func (a *App) Watch(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, func(_ *config.Config, d config.ConfigDiff) {
		a.ApplyDiff(d)
	}, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	return nil
}

// ApplyDiff applies the hot-reloadable part of a config change.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SystemPromptChanged {
		a.chat.SetSystemPrompt(d.NewSystemPrompt)
		slog.Info("chat system prompt reloaded")
	}
	if d.DefaultVoiceChanged {
		a.tts.SetDefaultVoice(d.NewDefaultVoice)
		slog.Info("tts default voice changed", "voice", d.NewDefaultVoice)
	}
}

// SlogLevel maps a config level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every live recognition session, then runs the closers in
// order. If ctx expires first, the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.relay.Registry().Len(), "closers", len(a.closers))

		if err := a.relay.Close(ctx); err != nil {
			slog.Warn("relay close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
