package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/httpapi"
	"github.com/CZERTAINLY/Surveyor/internal/log"
	"github.com/CZERTAINLY/Surveyor/internal/pipeline"
	"github.com/CZERTAINLY/Surveyor/internal/service"
	"github.com/CZERTAINLY/Surveyor/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	flagAddr    string
	flagDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the job API and executes the reconnaissance jobs",
	RunE:  doServe,
}

func initServeFlags() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address, overrides server.addr")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "directory for job artifacts, overrides server.data_dir")
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("surveyor",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	cfg := config.Server
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(pipeline.DefaultStages(config.Pipeline))
	coordinator := service.NewCoordinator(runner, st)
	defer coordinator.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(&httpapi.JobHandlers{Svc: coordinator, Store: st}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	return serve(ctx, srv)
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listening on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		slog.InfoContext(ctx, "shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
