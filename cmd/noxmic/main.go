// Command noxmic streams the default microphone through the NOX recognition
// relay and prints the running transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nox/internal/capture/mic"
	"github.com/MrWong99/nox/internal/orchestrator"
)

const levelBarWidth = 20

func main() {
	os.Exit(run())
}

func run() int {
	relayURL := flag.String("relay", "http://localhost:3000", "base URL of the NOX server")
	interval := flag.Duration("interval", mic.DefaultChunkInterval, "length of each captured chunk")
	duration := flag.Duration("duration", 0, "stop after this long (0 = until Ctrl+C)")
	deviceRate := flag.Int("device-rate", mic.DefaultSampleRate, "microphone sample rate in Hz")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	src := mic.New(mic.Config{SampleRate: *deviceRate, ChunkInterval: *interval})
	orch := orchestrator.New(orchestrator.NewHTTPClient(*relayURL), src, orchestrator.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printUpdates(gctx, orch.Updates())
		return nil
	})

	if err := orch.Start(ctx); err != nil {
		slog.Error("start failed", "relay", *relayURL, "err", err)
		stop()
		_ = g.Wait()
		return 1
	}
	fmt.Fprintln(os.Stderr, "listening, press Ctrl+C to stop")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*orchestrator.DefaultCallTimeout)
	defer cancel()
	final, err := orch.Stop(stopCtx)
	_ = g.Wait()

	fmt.Println()
	if err != nil && !errors.Is(err, orchestrator.ErrSessionNotFound) {
		slog.Error("stop failed", "err", err)
		return 1
	}
	if final != "" {
		fmt.Println("final:", final)
	}
	return 0
}

// printUpdates renders each snapshot on a single status line until ctx ends.
func printUpdates(ctx context.Context, updates <-chan orchestrator.Update) {
	var lastFinal string
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			if u.Final != "" && u.Final != lastFinal {
				fmt.Printf("\r\033[K%s\n", u.Final)
				lastFinal = u.Final
			}
			if u.Err != "" {
				fmt.Printf("\r\033[K[%s] %s\n", u.State, u.Err)
				continue
			}
			fmt.Printf("\r\033[K[%s] %s %s", u.State, levelBar(u.Level), u.Partial)
		}
	}
}

func levelBar(level float64) string {
	n := int(level*levelBarWidth + 0.5)
	n = min(max(n, 0), levelBarWidth)
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", levelBarWidth-n) + "]"
}
