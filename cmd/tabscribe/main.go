package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/apiclient"
	"github.com/ncecere/tabscribe/backend/internal/app"
	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/capture/ffmpeg"
	"github.com/ncecere/tabscribe/backend/internal/config"
	"github.com/ncecere/tabscribe/backend/internal/dispatch"
	"github.com/ncecere/tabscribe/backend/internal/gateway"
	"github.com/ncecere/tabscribe/backend/internal/models"
	"github.com/ncecere/tabscribe/backend/internal/providers"
	"github.com/ncecere/tabscribe/backend/internal/services/livecapture"
)

const usage = `usage: tabscribe record [flags]

Captures audio from the configured ffmpeg device, cuts it into segments and
prints the transcript as segments complete. Ctrl-C stops the capture and
waits for outstanding segments.`

func main() {
	if len(os.Args) < 2 || os.Args[1] != "record" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := record(os.Args[2:]); err != nil {
		log.Fatalf("record: %v", err)
	}
}

func record(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configFile := fs.String("config", "", "path to tabscribe.yaml")
	envFile := fs.String("env", "", "path to a .env file")
	server := fs.String("server", "", "send segments to a tabscribed server instead of calling the engine")
	tabID := fs.Int("tab-id", 0, "tab id recorded with each segment")
	tabTitle := fs.String("tab-title", "", "tab title recorded with each segment")
	tabURL := fs.String("tab-url", "", "tab url recorded with each segment")
	language := fs.String("language", "", "source language hint (auto when empty)")
	translateTo := fs.String("translate-to", "", "translate into this language")
	device := fs.String("device", "", "override capture.ffmpeg.device_template")
	_ = fs.Parse(args)

	remote := strings.TrimSpace(*server) != ""
	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile, SkipEngineKey: remote})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher, err := buildDispatcher(ctx, cfg, *server, logger)
	if err != nil {
		return err
	}

	ffCfg := cfg.Capture.FFmpeg
	if *device != "" {
		ffCfg.DeviceTemplate = *device
	}
	platform := ffmpeg.New(ffmpeg.Options{
		Binary:         ffCfg.Binary,
		InputFormat:    ffCfg.InputFormat,
		DeviceTemplate: ffCfg.DeviceTemplate,
		Logger:         logger.With(slog.String("component", "ffmpeg")),
	})
	ctrl := capture.NewController(capture.Options{
		Platform:      platform,
		Dispatcher:    dispatcher,
		Interval:      cfg.Capture.ChunkInterval,
		Timeslice:     cfg.Capture.Timeslice,
		MimeType:      cfg.Capture.MimeType,
		MaxInFlight:   cfg.Capture.MaxInFlight,
		StartSequence: cfg.Capture.StartSequence,
		EventBuffer:   cfg.Capture.EventBuffer,
		Logger:        logger.With(slog.String("component", "capture")),
	})
	svc := livecapture.New(ctrl, livecapture.Options{
		Defaults: models.SessionConfig{
			Language:    cfg.Capture.Language,
			TranslateTo: models.StringPtr(cfg.Capture.TranslateTo),
		},
		StartSequence: cfg.Capture.StartSequence,
		StopTimeout:   cfg.Capture.StopTimeout,
		Logger:        logger.With(slog.String("component", "livecapture")),
	})

	updates, unsubscribe := svc.Subscribe(64)
	defer unsubscribe()
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _ = svc.Run(runCtx) }()

	tab := models.TabContext{ID: *tabID, Title: *tabTitle, URL: *tabURL}
	handle, err := svc.Start(ctx, tab, models.SessionConfig{
		Language:    strings.TrimSpace(*language),
		TranslateTo: models.StringPtr(strings.TrimSpace(*translateTo)),
	})
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	logger.Info("capturing", slog.String("session_id", handle.SessionID.String()), slog.String("device", platform.Device(tab)))

	ended := printUpdates(updates)
	select {
	case <-ctx.Done():
	case <-ended:
	}

	if _, err := svc.Stop(context.Background()); err != nil && !errors.Is(err, capture.ErrNotCapturing) {
		logger.Warn("stop capture", slog.String("error", err.Error()))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = svc.Close(closeCtx)
	<-ended

	tr, ok := svc.TranscriptFor(handle.SessionID)
	if !ok {
		return nil
	}
	fmt.Println()
	fmt.Println(tr.Text)
	if sum := tr.Summary; sum != nil {
		logger.Info("capture finished",
			slog.Int("segments", sum.SegmentsCut),
			slog.Int("failed", sum.SegmentsFailed),
			slog.Int64("duration_ms", sum.DurationMs),
		)
		if sum.Err != nil {
			return sum.Err
		}
	}
	return nil
}

func buildDispatcher(ctx context.Context, cfg *config.Config, server string, logger *slog.Logger) (capture.Dispatcher, error) {
	if server = strings.TrimSpace(server); server != "" {
		client, err := apiclient.New(apiclient.Options{BaseURL: server, Logger: logger.With(slog.String("component", "apiclient"))})
		if err != nil {
			return nil, err
		}
		if report, err := client.Health(ctx); err != nil {
			logger.Warn("server health check failed", slog.String("error", err.Error()))
		} else {
			logger.Info("server reachable", slog.String("status", report.Status), slog.String("version", report.Version))
		}
		return client, nil
	}

	engine, err := providers.NewFactory(cfg.Engine).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	gw := gateway.New(engine, gateway.Options{
		Model:             cfg.Engine.Model,
		TranslationTarget: cfg.Engine.TranslationTarget,
		Logger:            logger.With(slog.String("component", "gateway")),
	})
	return dispatch.New(gw, dispatch.Options{
		MaxUploadBytes: cfg.Transcription.MaxUploadBytes(),
		Logger:         logger.With(slog.String("component", "dispatch")),
	}), nil
}

// printUpdates writes released segments as they arrive. The returned channel
// closes when the session ends or the update stream closes.
func printUpdates(updates <-chan livecapture.Update) <-chan struct{} {
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for u := range updates {
			for _, seg := range u.Released {
				if seg.Skipped {
					fmt.Fprintf(os.Stderr, "[%d] (no text)\n", seg.Sequence)
					continue
				}
				fmt.Printf("[%d] %s\n", seg.Sequence, seg.Text)
			}
			if u.Event.Type == capture.EventEnded {
				return
			}
		}
	}()
	return ended
}
