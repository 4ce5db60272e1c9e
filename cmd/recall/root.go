package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/recall/internal/config"
	"github.com/conorfennell/recall/internal/web"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "recall",
		Short:        "Spaced-repetition review of study material",
		Long:         "recall schedules flashcard reviews with an SM-2 variant and keeps each material's questions and review history.",
		SilenceUsage: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newSourceCmd(),
		newSyncCmd(),
		newMigrateCmd(),
		newNormalizeCmd(),
		newDueCmd(),
		newStatsCmd(),
		newCalendarCmd(),
		newAnswerCmd(),
		newExportCmd(),
		newImportCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON HTTP API",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			opts := []web.Option{web.WithSources(a.db, a.ingester(nil))}
			if v := a.validator(); v != nil {
				opts = append(opts, web.WithValidator(v))
			}
			srv := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           web.NewServer(a.store, a.log, opts...),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				a.log.Info("Starting server", "addr", srv.Addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("could not start server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}),
	}
}
