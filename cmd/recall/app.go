package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/conorfennell/recall/internal/config"
	"github.com/conorfennell/recall/internal/gitsource"
	"github.com/conorfennell/recall/internal/ingest"
	"github.com/conorfennell/recall/internal/review"
	"github.com/conorfennell/recall/internal/storage"
	"github.com/conorfennell/recall/internal/validation"
)

// app is the wired set of dependencies shared by every command.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	db    *storage.DB
	kv    storage.KV
	store *review.Store
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	log := cfg.Log.NewLogger(cmd.ErrOrStderr())

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	log.Debug("Database opened", "path", cfg.Storage.Path)

	a := &app{cfg: cfg, log: log, db: db}
	switch cfg.Storage.Driver {
	case "redis":
		r, err := storage.NewRedis(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, cfg.Storage.Timeout)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.kv = r
	case "memory":
		a.kv = storage.NewMemory()
	default:
		a.kv = db
	}

	params, err := cfg.Scheduler.Params()
	if err != nil {
		a.Close()
		return nil, err
	}
	loc, err := cfg.Review.Location()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = review.Open(a.kv, params,
		review.WithPrefix(cfg.Review.Prefix),
		review.WithLocation(loc),
		review.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) ingester(progress io.Writer) *ingest.Ingester {
	git := &gitsource.Syncer{Progress: progress, Log: a.log}
	return ingest.New(a.store, a.db, git, a.cfg.Ingest.ReposDir, a.log)
}

// validator returns nil when no validation service is configured.
func (a *app) validator() *validation.Client {
	if a.cfg.Validation.BaseURL == "" {
		return nil
	}
	return validation.NewClient(a.cfg.Validation.BaseURL, a.cfg.Validation.Timeout, a.log)
}

func (a *app) Close() error {
	var errs []error
	if a.kv != nil && a.kv != storage.KV(a.db) {
		if c, ok := a.kv.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

// withApp wraps a command body with app construction and teardown.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
