package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/fetch"
	"github.com/CZERTAINLY/Surveyor/internal/httpapi"
	"github.com/CZERTAINLY/Surveyor/internal/log"
	"github.com/CZERTAINLY/Surveyor/internal/model"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var probeFlags struct {
	base        string
	wordlist    string
	concurrency int
	timeout     time.Duration
	delay       time.Duration
	output      string
	port        int
	redisURL    string
	redisKey    string
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "probe fetches every wordlist entry below a base url and serves the results",
	Long: `probe fetches every wordlist entry below a base url with a bounded number of
workers. Results are appended to a JSON lines file (and a Redis list when
configured) as they complete. A side server on --port exposes

  GET /         status of the run and help
  GET /results  the JSON lines file

and keeps running after the probe finishes until interrupted.`,
	RunE: doProbe,
}

func initProbeFlags() {
	f := probeCmd.Flags()
	def := model.DefaultConfig().Probe
	f.StringVar(&probeFlags.base, "base", "", "base url, e.g. https://example.test")
	f.StringVar(&probeFlags.wordlist, "wordlist", "", "file with one path suffix per line")
	f.IntVar(&probeFlags.concurrency, "concurrency", def.Concurrency, "number of workers")
	f.DurationVar(&probeFlags.timeout, "timeout", def.Timeout, "timeout of a single request")
	f.DurationVar(&probeFlags.delay, "delay", def.Delay, "pause of a worker after each request")
	f.StringVar(&probeFlags.output, "output", def.Output, "JSON lines file the results are written to, truncated on start")
	f.IntVar(&probeFlags.port, "port", def.Port, "port of the results server")
	f.StringVar(&probeFlags.redisURL, "redis-url", "", "also push results to redis, e.g. redis://localhost:6379/0")
	f.StringVar(&probeFlags.redisKey, "redis-key", def.RedisKey, "redis list the results are pushed to")
}

// probeConfig overlays the flags which were set on the configuration.
func probeConfig(cmd *cobra.Command, cfg model.Probe) (model.Probe, error) {
	f := cmd.Flags()
	if f.Changed("base") {
		if err := cfg.Base.UnmarshalText([]byte(probeFlags.base)); err != nil {
			return cfg, fmt.Errorf("--base: %w", err)
		}
	}
	if f.Changed("wordlist") {
		cfg.Wordlist = probeFlags.wordlist
	}
	if f.Changed("concurrency") {
		cfg.Concurrency = probeFlags.concurrency
	}
	if f.Changed("timeout") {
		cfg.Timeout = probeFlags.timeout
	}
	if f.Changed("delay") {
		cfg.Delay = probeFlags.delay
	}
	if f.Changed("output") {
		cfg.Output = probeFlags.output
	}
	if f.Changed("port") {
		cfg.Port = probeFlags.port
	}
	if f.Changed("redis-url") {
		cfg.RedisURL = probeFlags.redisURL
	}
	if f.Changed("redis-key") {
		cfg.RedisKey = probeFlags.redisKey
	}

	c := model.Config{Probe: cfg}
	c.Sanitize()
	cfg = c.Probe

	if cfg.Base.IsZero() {
		return cfg, errors.New("base url is missing: use --base or probe.base")
	}
	if cfg.Wordlist == "" {
		return cfg, errors.New("wordlist is missing: use --wordlist or probe.wordlist")
	}
	return cfg, nil
}

func doProbe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("surveyor",
		slog.String("cmd", "probe"),
		slog.Int("pid", os.Getpid()),
	))

	cfg, err := probeConfig(cmd, config.Probe)
	if err != nil {
		return err
	}
	suffixes, err := loadWordlist(cfg.Wordlist)
	if err != nil {
		return err
	}

	jsonl, err := fetch.NewJSONLSink(cfg.Output)
	if err != nil {
		return err
	}
	defer func() {
		_ = jsonl.Close()
	}()
	sinks := fetch.MultiSink{jsonl}
	if cfg.RedisURL != "" {
		redisSink, err := fetch.NewRedisSink(ctx, cfg.RedisURL, cfg.RedisKey)
		if err != nil {
			return err
		}
		defer func() {
			_ = redisSink.Close()
		}()
		sinks = append(sinks, redisSink)
	}

	base := cfg.Base.String()
	status := httpapi.NewProbeStatus(base, len(suffixes))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewProbeRouter(status, cfg.Output),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(gctx, srv)
	})
	g.Go(func() error {
		pool := fetch.NewPool(nil, sinks, fetch.WithDelay(cfg.Delay), fetch.WithObserver(status.Record))
		_, summary := pool.Run(gctx, base, suffixes, cfg.Concurrency, cfg.Timeout)
		status.Finish(summary)
		if err := fetch.RenderSummary(os.Stdout, summary); err != nil {
			slog.WarnContext(ctx, "printing summary failed", "error", err)
		}
		slog.InfoContext(ctx, "probe finished: serving results until interrupted", "port", cfg.Port, "output", cfg.Output)
		return nil
	})
	return g.Wait()
}

func loadWordlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wordlist: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return fetch.LoadSuffixes(f)
}
