package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/streamstore/internal/clock"
	"github.com/jensholdgaard/streamstore/internal/config"
	"github.com/jensholdgaard/streamstore/internal/event"
	"github.com/jensholdgaard/streamstore/internal/eventstore"
	"github.com/jensholdgaard/streamstore/internal/health"
	"github.com/jensholdgaard/streamstore/internal/publish"
	"github.com/jensholdgaard/streamstore/internal/store"
	"github.com/jensholdgaard/streamstore/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/streamstore/internal/store/memstore"
	_ "github.com/jensholdgaard/streamstore/internal/store/pebblestore"
	_ "github.com/jensholdgaard/streamstore/internal/store/postgres"
	_ "github.com/jensholdgaard/streamstore/internal/store/redisstore"
)

var version = "dev"

const usage = `usage: streamctl [-config file] <command> [flags]

commands:
  append -type T -id I -file events.json   append a JSON array of events
  length -type T -id I                     print the committed stream length
  serve                                    run the health server
`

// exitConflict is the exit status for an append rejected by the
// concurrency check, so scripts can re-read and retry.
const exitConflict = 2

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, flag.Args(), os.Stdin, os.Stdout, os.Stderr); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			os.Exit(exitConflict)
		}
		os.Exit(1)
	}
}

// app is the wiring shared by all commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider store.Provider
	store    *eventstore.Store
	clock    clock.Clock
}

func run(ctx context.Context, configPath string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New("no command given (want append, length or serve)")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, stderr)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()
	logger := tp.Logger

	provider, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Store.Driver, err)
	}
	defer provider.Close()
	logger.DebugContext(ctx, "store opened", slog.String("driver", cfg.Store.Driver))

	codec, err := event.NewCodec(cfg.Codec)
	if err != nil {
		return fmt.Errorf("selecting codec: %w", err)
	}

	opts := []eventstore.Option{eventstore.WithMeterProvider(tp.MeterProvider)}
	if cfg.Publisher.Enabled {
		pub := publish.NewKafka(cfg.Publisher, codec)
		defer func() {
			if closeErr := pub.Close(); closeErr != nil {
				logger.Error("closing publisher", slog.Any("error", closeErr))
			}
		}()
		opts = append(opts, eventstore.WithPublisher(pub))
	}

	es, err := eventstore.New(provider, codec, logger, tp.TracerProvider, opts...)
	if err != nil {
		return fmt.Errorf("creating event store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, provider: provider, store: es, clock: clock.Real{}}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "append":
		return a.appendCmd(ctx, rest, stdin, stdout)
	case "length":
		return a.lengthCmd(ctx, rest, stdout)
	case "serve":
		return a.serveCmd(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) appendCmd(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	aggType := fs.String("type", "", "aggregate type")
	aggID := fs.String("id", "", "aggregate identifier")
	file := fs.String("file", "-", "JSON array of events, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("opening events file: %w", err)
		}
		defer f.Close()
		in = f
	}

	var events []event.Event
	if err := json.NewDecoder(in).Decode(&events); err != nil {
		return fmt.Errorf("decoding events: %w", err)
	}

	if err := a.store.Append(ctx, *aggType, *aggID, events); err != nil {
		return fmt.Errorf("appending to %s %q: %w", *aggType, *aggID, err)
	}
	fmt.Fprintf(stdout, "appended %d events to %s %s (sequences %d-%d)\n",
		len(events), *aggType, *aggID, events[0].Sequence, events[len(events)-1].Sequence)
	return nil
}

func (a *app) lengthCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("length", flag.ContinueOnError)
	aggType := fs.String("type", "", "aggregate type")
	aggID := fs.String("id", "", "aggregate identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}

	n, err := a.store.Length(ctx, *aggType, *aggID)
	if err != nil {
		return fmt.Errorf("reading length of %s %q: %w", *aggType, *aggID, err)
	}
	fmt.Fprintln(stdout, n)
	return nil
}

func (a *app) serveCmd(ctx context.Context) error {
	healthHandler := health.NewHandler(a.clock, health.PingChecker("store", a.provider))

	mux := http.NewServeMux()
	healthHandler.Register(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "starting health server", slog.Int("port", a.cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			errCh <- listenErr
		}
		close(errCh)
	}()

	healthHandler.SetReady(true)
	a.logger.InfoContext(ctx, "streamstore is running",
		slog.String("version", version),
		slog.String("driver", a.cfg.Store.Driver),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
	}
	a.logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.Any("error", err))
	}

	a.logger.Info("shutdown complete")
	return nil
}
