package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/recall/internal/gitsource"
	"github.com/conorfennell/recall/internal/ingest"
	"github.com/conorfennell/recall/internal/storage"
)

func printResult(cmd *cobra.Command, res ingest.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d files: %d added, %d kept, %d removed, %d materials deleted, %d errors.\n",
		res.Files, res.Added, res.Kept, res.Removed, res.Materials, res.Errors)
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Ingest a directory of markdown flashcards, one material per file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			res, err := a.ingester(nil).IngestDir(args[0])
			if err != nil {
				return err
			}
			printResult(cmd, res)
			return nil
		}),
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch and ingest every registered source",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			res, err := a.ingester(cmd.ErrOrStderr()).Sync(cmd.Context())
			if err != nil {
				return err
			}
			printResult(cmd, res)
			return nil
		}),
	}
}

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage ingestion sources",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <path/or/url.git>",
			Short: "Register a local directory or git repository",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				return addSource(cmd, a.db, args[0])
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List registered sources",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
				sources, err := a.db.GetAllSources()
				if err != nil {
					return err
				}
				if len(sources) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sources configured.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tPATH\tLAST SCANNED")
				for _, s := range sources {
					scanned := "never"
					if s.LastScanned.Valid {
						scanned = s.LastScanned.Time.Format(time.DateTime)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.ID, s.Type, s.Path, scanned)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "remove <id>",
			Short: "Unregister a source",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid source ID %q", args[0])
				}
				if err := a.db.DeleteSource(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed source %d.\n", id)
				return nil
			}),
		},
	)
	return cmd
}

func addSource(cmd *cobra.Command, db *storage.DB, path string) error {
	sourceType := storage.SourceLocal
	if gitsource.IsURL(path) {
		sourceType = storage.SourceGit
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("could not resolve path %s: %w", path, err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}
		path = abs
	}

	existing, err := db.FindSourceByPath(path)
	if err != nil {
		return err
	}
	if existing != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Source already registered with ID %d.\n", existing.ID)
		return nil
	}

	id, err := db.InsertSource(path, sourceType)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s source %s with ID %d.\n", sourceType, path, id)
	return nil
}
