package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/justinabrahms/chesslive/internal/app"
	"github.com/justinabrahms/chesslive/internal/web"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		a.Run(runCtx)
	}()

	srv := web.NewServer(a, web.WithLogger(log.Logger.With().Str("component", "web").Logger()))
	httpServer := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("store", cfg.Store.Driver).Msg("Starting chess server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down chess server...")
	case err = <-serveErr:
		log.Error().Err(err).Msg("Server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Websocket connections did not close in time")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server forced to shutdown")
	}

	cancelRun()
	<-queueDone
	if closeErr := a.Close(shutdownCtx); closeErr != nil {
		log.Error().Err(closeErr).Msg("Failed to flush pending writes")
		err = errors.Join(err, closeErr)
	}

	log.Info().Msg("Chess server exited")
	return err
}
