package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"orderflow/internal/orders"
	"orderflow/internal/saga"
)

type storeOptions struct {
	databaseURL string
	journalPath string
}

type storeOpener func(ctx context.Context, opts storeOptions) (orders.Stores, func(), error)

func openStores(ctx context.Context, opts storeOptions) (orders.Stores, func(), error) {
	if opts.databaseURL == "" && opts.journalPath == "" {
		return orders.Stores{}, nil, errors.New("set --database-url (or DATABASE_URL) or --journal")
	}
	quiet := func(string, ...any) {}
	if os.Getenv("SAGACTL_DEBUG") != "" {
		quiet = log.Printf
	}
	stores, cleanup, err := orders.BuildStores(ctx, orders.StoreConfig{
		DatabaseURL: opts.databaseURL,
		JournalPath: opts.journalPath,
	}, quiet)
	if err != nil {
		return orders.Stores{}, nil, err
	}
	if opts.databaseURL != "" && stores.Backend != "postgres" {
		cleanup()
		return orders.Stores{}, nil, errors.New("could not connect to postgres")
	}
	return stores, cleanup, nil
}

func newRootCmd(out io.Writer, open storeOpener) *cobra.Command {
	opts := &storeOptions{}
	root := &cobra.Command{
		Use:           "sagactl",
		Short:         "Inspect order fulfillment saga runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	root.PersistentFlags().StringVar(&opts.journalPath, "journal", os.Getenv("SAGA_JOURNAL_PATH"), "file journal path when Postgres is not used")

	runs := &cobra.Command{Use: "runs", Short: "List and show saga runs"}
	runs.AddCommand(newRunsListCmd(opts, open), newRunsShowCmd(opts, open))

	idem := &cobra.Command{Use: "idempotency", Short: "Maintain idempotency records"}
	idem.AddCommand(newPurgeCmd(opts, open))

	root.AddCommand(runs, idem)
	return root
}

func newRunsListCmd(opts *storeOptions, open storeOpener) *cobra.Command {
	var (
		state  string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Example: "  sagactl runs list --state COMPENSATION_FAILED\n" +
			"  sagactl runs list --limit 20 --json",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := saga.State(strings.ToUpper(state))
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}
			stores, cleanup, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := stores.Lister.List(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tEPOCH\tSTATE\tRUN\tSTARTED\tREASON")
			for _, run := range list {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					run.OrderID, run.Epoch, run.State, run.ID, formatTime(run.StartedAt), run.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRunsShowCmd(opts *storeOptions, open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show the latest run of an order and its step log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, cleanup, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := stores.Runs.Latest(cmd.Context(), args[0])
			if errors.Is(err, saga.ErrRunNotFound) {
				return fmt.Errorf("no run recorded for order %s", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			outcome := orders.OutcomeFromRun(run)
			fmt.Fprintf(out, "order:    %s\n", run.OrderID)
			fmt.Fprintf(out, "run:      %s (epoch %d)\n", run.ID, run.Epoch)
			fmt.Fprintf(out, "state:    %s\n", run.State)
			fmt.Fprintf(out, "started:  %s\n", formatTime(run.StartedAt))
			fmt.Fprintf(out, "ended:    %s\n", formatTime(run.EndedAt))
			if outcome.DraftOrderID != "" {
				fmt.Fprintf(out, "draft:    %s\n", outcome.DraftOrderID)
			}
			if outcome.InvoiceID != "" {
				fmt.Fprintf(out, "invoice:  %s\n", outcome.InvoiceID)
			}
			if run.Reason != "" {
				fmt.Fprintf(out, "reason:   %s\n", run.Reason)
			}
			if len(run.Reversed) > 0 {
				fmt.Fprintf(out, "reversed: %s\n", strings.Join(run.Reversed, ", "))
			}
			if run.State == saga.StateCompensationFailed {
				fmt.Fprintf(out, "needs reconciliation: %s\n", strings.Join(outcome.FailedSteps, ", "))
			}

			if stores.StepLog == nil {
				return nil
			}
			events, err := stores.StepLog.Steps(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tPHASE\tSTEP\tOUTCOME\tCLASS\tRETRIES\tLATENCY\tERROR")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					formatTime(ev.At), ev.Phase, ev.Step, ev.Outcome, ev.Class, ev.Retries, ev.Latency, ev.Error)
			}
			return w.Flush()
		},
	}
	return cmd
}

func newPurgeCmd(opts *storeOptions, open storeOpener) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed idempotency records older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be > 0")
			}
			stores, cleanup, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := stores.PurgeIdempotency(cmd.Context(), olderThan, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d idempotency records\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention for completed records")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
