package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"inkcal/internal/config"
	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/timeline"
	"inkcal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath string
	listen     string
	tz         string
	once       bool
	dump       string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.tz != "" {
		conf.Timezone = flags.tz
	}
	if conf.Timezone == "" {
		if name, ok := timeline.SystemTimezone(); ok {
			conf.Timezone = name
		}
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("inkcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"backfill_days", conf.BackfillDays,
		"overlap", conf.Overlap,
		"ics_count", len(conf.ICS),
		"file_count", len(conf.Files),
		"once", flags.once,
		"dump", flags.dump,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if flags.once || flags.dump != "" {
		if err := runOnce(ctx, conf, flags.dump, os.Stdout); err != nil {
			appLog.Error("one-shot run failed", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, conf); err != nil {
		appLog.Error("server stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("inkcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/inkcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.tz, "tz", "", "Display timezone (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Resolve the timeline once, print it and exit")
	flag.StringVar(&cfg.dump, "dump", "", "Write the resolved timeline as .ics to this path (- for stdout) and exit")

	flag.Parse()

	return cfg
}

// buildEngine fetches every configured URL and file into a new Engine.
func buildEngine(ctx context.Context, conf *config.Config) (*timeline.Engine, error) {
	overlap, err := timeline.ParseOverlap(conf.Overlap)
	if err != nil {
		return nil, err
	}

	fetcher := ics.NewFetcher(conf.CacheDir)
	fetcher.StaleOnError = true

	engine, err := timeline.New(
		timeline.WithExpander(ics.RRuleExpander{MaxOccurrences: conf.MaxOccurrences}),
		timeline.WithLoader(fetcher),
		timeline.WithOverlap(overlap),
	)
	if err != nil {
		return nil, err
	}

	if sources := conf.Sources(); len(sources) > 0 {
		if err := engine.AddSources(ctx, sources, conf.FetchCredentials()); err != nil {
			return nil, err
		}
	}
	if len(conf.Files) > 0 {
		if err := engine.AddFiles(conf.Files); err != nil {
			return nil, err
		}
	}
	if engine.Documents() == 0 {
		appLog.Warn("no calendars configured; add ics urls or files to the config")
	}
	return engine, nil
}

// window returns [now - backfill days, now + horizon days].
func window(conf *config.Config, now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -conf.BackfillDays), now.AddDate(0, 0, conf.HorizonDays)
}

func runOnce(ctx context.Context, conf *config.Config, dump string, out io.Writer) error {
	engine, err := buildEngine(ctx, conf)
	if err != nil {
		return err
	}

	start, end := window(conf, time.Now())
	events, err := engine.Events(start, end, conf.Timezone)
	if err != nil {
		return err
	}

	switch dump {
	case "":
		return timeline.WriteTable(out, events, "")
	case "-":
		return ics.Export(out, events)
	default:
		f, err := os.Create(dump)
		if err != nil {
			return fmt.Errorf("create %s: %w", dump, err)
		}
		if err := ics.Export(f, events); err != nil {
			f.Close()
			return err
		}
		appLog.Info("timeline written", "path", dump, "events", len(events))
		return f.Close()
	}
}

// serve refreshes calendars on the configured cron schedule and serves the
// API until ctx is cancelled.
func serve(ctx context.Context, conf *config.Config) error {
	srv := web.NewServer(conf, func(ctx context.Context) (*timeline.Engine, error) {
		return buildEngine(ctx, conf)
	})

	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		_ = srv.Refresh(rctx)
	}

	// Initial load; a failure here is retried on the next tick.
	refresh()

	c := cron.New()
	if _, err := c.AddFunc(conf.RefreshCron, refresh); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", conf.RefreshCron, err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	return srv.Serve(ctx)
}
