package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/sprintlens/sprintlens/internal/analysis"
	"github.com/sprintlens/sprintlens/internal/client"
	"github.com/sprintlens/sprintlens/internal/config"
	"github.com/sprintlens/sprintlens/internal/engine"
	"github.com/sprintlens/sprintlens/internal/metrics"
	"github.com/sprintlens/sprintlens/internal/progress"
	"github.com/sprintlens/sprintlens/internal/server"
	"github.com/sprintlens/sprintlens/internal/tracker"
	"github.com/sprintlens/sprintlens/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupLogging()

	clientFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Usage: "gateway base URL",
			Value: "http://localhost:8080",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "poll interval",
			Value: client.DefaultPollInterval,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "client-side ceiling before giving up",
			Value: client.DefaultTimeout,
		},
	}

	app := &cli.Command{
		Name:  "sprintlens",
		Usage: "Sprint analytics gateway and client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "dotenv file to load",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the analysis gateway",
				Action: serveAction,
			},
			{
				Name:  "report",
				Usage: "Run a sprint report and poll it to completion",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "board", Usage: "board identifier", Required: true},
				}, clientFlags...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runPolled(ctx, cmd, types.KindSprintReport, types.Params{
						BoardID: cmd.String("board"),
					})
				},
			},
			{
				Name:  "capacity",
				Usage: "Run a capacity analysis for one user",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "user email", Required: true},
					&cli.IntFlag{Name: "weeks", Usage: "lookback window in weeks", Value: 8},
				}, clientFlags...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runPolled(ctx, cmd, types.KindCapacityAnalysis, types.Params{
						UserEmail: cmd.String("user"),
						WeeksBack: int(cmd.Int("weeks")),
					})
				},
			},
			{
				Name:  "cross-sprint",
				Usage: "Run a cross-sprint dependency scan",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "board", Usage: "board identifier", Required: true},
				}, clientFlags...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runPolled(ctx, cmd, types.KindCrossSprint, types.Params{
						BoardID: cmd.String("board"),
					})
				},
			},
			{
				Name:  "stream",
				Usage: "Run a sprint report over the legacy streaming endpoint",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "board", Usage: "board identifier", Required: true},
				}, clientFlags...),
				Action: streamAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	logLevel := os.Getenv("SPRINTLENS_LOG_LEVEL")
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func loadEnv(cmd *cli.Command) {
	// Missing dotenv files are fine; env vars may come from the shell.
	if err := godotenv.Load(cmd.String("env")); err == nil {
		slog.Debug("Loaded dotenv file", "path", cmd.String("env"))
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	loadEnv(cmd)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("Starting sprintlens gateway", "addr", cfg.ListenAddr, "tracker", cfg.TrackerURL)

	store := progress.NewStore(cfg.Retention)
	defer store.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.NewMetrics(cfg.MetricsNamespace)
	}

	source := tracker.NewClient(cfg.TrackerURL, cfg.TrackerEmail, cfg.TrackerToken, cfg.TrackerTimeout)
	sprintReport := analysis.NewSprintReport(source, cfg.SprintWindow)

	eng := engine.New(store, m, cfg.MaxConcurrent)
	eng.Register(sprintReport)
	eng.Register(analysis.NewCapacity(source))
	eng.Register(analysis.NewCrossSprint(source, 0))

	var metricsHandler http.Handler
	if m != nil {
		if cfg.MetricsAddr != "" {
			go func() {
				if err := m.StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
					slog.Error("Metrics server failed", "addr", cfg.MetricsAddr, "error", err)
				}
			}()
		} else {
			metricsHandler = m.Handler()
		}
	}
	srv := server.New(eng, store, sprintReport, metricsHandler)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("Engine shutdown error", "error", err)
	}

	slog.Info("Gateway shutdown complete")
	return nil
}

func runPolled(ctx context.Context, cmd *cli.Command, kind types.JobKind, params types.Params) error {
	loadEnv(cmd)

	ctl := client.NewController(cmd.String("server"), cmd.Duration("interval"), cmd.Duration("timeout"))
	ctl.OnProgress = func(p types.ProgressResponse) {
		if p.Progress != nil && p.CurrentSprints != nil && p.TotalSprints != nil {
			slog.Info("Progress", "status", p.Status, "percent", *p.Progress,
				"current", *p.CurrentSprints, "total", *p.TotalSprints)
		} else if p.Progress != nil {
			slog.Info("Progress", "status", p.Status, "percent", *p.Progress)
		}
	}

	if err := ctl.Run(ctx, kind, params); err != nil {
		return err
	}

	return printJSON(ctl.Result())
}

func streamAction(ctx context.Context, cmd *cli.Command) error {
	loadEnv(cmd)

	ctl := client.NewController(cmd.String("server"), cmd.Duration("interval"), cmd.Duration("timeout"))
	ctl.OnRecord = func(record any) {
		if err := printJSON(record); err != nil {
			slog.Warn("Failed to print record", "error", err)
		}
	}

	if err := ctl.RunStream(ctx, cmd.String("board")); err != nil {
		return err
	}

	slog.Info("Stream complete", "records", len(ctl.Records()))
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
