package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/api"
	"github.com/scrypster/recall/internal/server"
)

var allowedOrigins []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and vectorization workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := buildStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.close()

		hub := api.NewHub(logger, allowedOrigins...)
		go hub.Run()
		defer hub.Stop()
		api.WireEvents(s.engine, hub)

		if err := s.engine.Start(ctx); err != nil {
			return err
		}

		opts := api.Options{Breaker: s.provider, Hub: hub}
		if s.sync != nil {
			opts.Sync = s.sync
		}
		handlers := api.NewHandlers(s.engine, opts, logger)

		addr, done, err := server.Start(ctx, cfg, server.NewHandler(cfg, handlers, hub, logger), logger)
		if err != nil {
			_ = s.engine.Shutdown(context.Background())
			return err
		}
		logger.Info().
			Str("addr", addr).
			Str("storage", cfg.Storage.Engine).
			Str("vector_backend", s.index.BackendName()).
			Bool("sync", s.sync != nil).
			Msg("recall running")

		<-ctx.Done()
		logger.Info().Msg("shutting down gracefully")
		<-done

		// Stop accepting vectorize jobs only after the server has drained.
		if err := s.engine.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("engine shutdown")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&allowedOrigins, "allow-origin", nil, "extra Origin host patterns accepted on /v1/events")
	rootCmd.AddCommand(serveCmd)
}
