package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/recall/internal/review"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Give every flashcard without review data an initial schedule",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			n, err := a.store.MigrateLegacyRecords()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d flashcards.\n", n)
			return nil
		}),
	}
}

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Rescale legacy 0-1 scores to percentages",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			n, err := a.store.NormalizeScores()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Normalized %d scores.\n", n)
			return nil
		}),
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newDueCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List flashcards due today, most overdue first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			due := a.store.DueQuestions()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), due)
			}
			if len(due) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to review today.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MATERIAL\tINDEX\tSTATUS\tQUESTION")
			for _, q := range due {
				status := "new"
				if !q.IsNewCard {
					status = fmt.Sprintf("%dd overdue", q.DaysOverdue)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", q.MaterialKey, q.Index, status, truncate(q.Question, 60))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show review statistics",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			st := a.store.GlobalStats()
			if st == nil {
				return review.ErrNoScheduler
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MATERIAL\tTOTAL\tDUE\tUPCOMING\tNEW")
			ids := make([]string, 0, len(st.ByMaterial))
			for id := range st.ByMaterial {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				c := st.ByMaterial[id]
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", id, c.Total, c.DueToday, c.Upcoming, c.New)
			}
			fmt.Fprintf(tw, "all\t%d\t%d\t%d\t%d\n", st.Total, st.DueToday, st.Upcoming, st.New)
			return tw.Flush()
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newCalendarCmd() *cobra.Command {
	var (
		asJSON bool
		year   int
		month  int
	)
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Show how many reviews fall on each day of a month",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			now := time.Now()
			if year == 0 {
				year = now.Year()
			}
			if month == 0 {
				month = int(now.Month())
			}
			cal, err := a.store.Calendar(year, time.Month(month))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), cal)
			}
			days := make([]string, 0, len(cal))
			for d := range cal {
				days = append(days, d)
			}
			sort.Strings(days)
			var total int
			for _, d := range days {
				if n := cal[d].Count; n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %d\n", d, n)
					total += n
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d reviews scheduled in %s %d.\n", total, time.Month(month), year)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().IntVar(&year, "year", 0, "Year (default: current)")
	cmd.Flags().IntVar(&month, "month", 0, "Month 1-12 (default: current)")
	return cmd
}

func newAnswerCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "answer <material> <index|card-id> [score]",
		Short: "Record an answer: a 0-100 score, or free text scored by the validation service",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			materialID := args[0]
			index, err := strconv.Atoi(args[1])
			if err != nil {
				if index = a.store.FindIndex(materialID, args[1]); index < 0 {
					return fmt.Errorf("%w: no card %q in %s", review.ErrIndexOutOfRange, args[1], materialID)
				}
			}

			var score int
			switch {
			case len(args) == 3:
				if score, err = strconv.Atoi(args[2]); err != nil {
					return fmt.Errorf("invalid score %q", args[2])
				}
			case text != "":
				v := a.validator()
				if v == nil {
					return fmt.Errorf("--answer needs validation.base_url to be configured")
				}
				cards := a.store.QuestionsByMaterial(materialID)
				if index < 0 || index >= len(cards) {
					return fmt.Errorf("%w: %d", review.ErrIndexOutOfRange, index)
				}
				res, err := v.Validate(cmd.Context(), cards[index].ID, text)
				if err != nil {
					return err
				}
				score = res.RoundedScore()
				fmt.Fprintf(cmd.OutOrStdout(), "Score %d: %s\n", score, res.Feedback)
			default:
				return fmt.Errorf("provide a score or --answer")
			}

			rs, err := a.store.ProcessAnswer(materialID, index, score)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Next review in %d days (%s), ease %.2f.\n",
				rs.Interval, rs.NextReviewDate.Format(time.DateOnly), rs.EaseFactor)
			return a.store.SyncAllQuestionsView()
		}),
	}
	cmd.Flags().StringVar(&text, "answer", "", "Free-text answer to validate")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write every flashcard and its review data as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			data, err := a.store.ExportAll()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s.\n", args[0])
			return nil
		}),
	}
}

func newImportCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load an export file, grouping flashcards by material",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			m, err := review.ParseImportMode(mode)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}
			n, err := a.store.ImportAll(data, m)
			if err != nil {
				return err
			}
			if err := a.store.SyncAllQuestionsView(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d flashcards (%s).\n", n, m)
			return nil
		}),
	}
	cmd.Flags().StringVar(&mode, "mode", string(review.ImportReplace), "replace or merge")
	return cmd
}
