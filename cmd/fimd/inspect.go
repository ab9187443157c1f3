package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tripwire/fimd/internal/audit"
	"github.com/tripwire/fimd/internal/diff"
	"github.com/tripwire/fimd/internal/fspath"
	"github.com/tripwire/fimd/internal/integrity"
	"github.com/tripwire/fimd/internal/server/rest"
	"github.com/tripwire/fimd/internal/store"
)

var (
	eventsLimit int
	eventsKind  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the audit trail, newest first",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

var diffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Print the stored diff of one event",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <root>...",
	Short: "Compare files under each root with their recorded content",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReconcile,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the journal chain and cross-check it against the store",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum number of events")
	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "only show events of this kind")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	q := store.EventQuery{Limit: eventsLimit}
	if eventsKind != "" {
		kind, err := store.ParseEventKind(eventsKind)
		if err != nil {
			return err
		}
		q.Kind = &kind
	}

	_, _, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.ListEvents(ctx, q)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tKIND\tPATH\tCHANGES")
	for _, ev := range events {
		changes := "-"
		if stat, err := diff.Summarize(ev.Diff); err == nil && stat.Hunks > 0 {
			changes = fmt.Sprintf("+%d -%d", stat.Added, stat.Deleted)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.Timestamp.UTC().Format(rest.TimeLayout), ev.Kind, ev.Path, changes)
	}
	return tw.Flush()
}

func runDiff(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("event id must be a positive integer, got %q", args[0])
	}

	ctx := cmd.Context()
	_, _, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := st.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("event %d not found", id)
	}
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(ev.Diff)
	return err
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, logger, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var opts []integrity.Option
	if cfg.JournalPath != "" {
		j, err := audit.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, integrity.WithJournal(j))
	}
	det := integrity.NewDetector(st, logger, opts...)

	for _, arg := range args {
		root, err := fspath.Canonical(arg)
		if err != nil {
			return err
		}
		res, err := det.Reconcile(ctx, root)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d files, %d new, %d drifted\n", root, res.Files, res.New, res.Drifted)
	}
	return nil
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, _, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.JournalPath == "" {
		return errors.New("journal_path is not configured")
	}
	entries, err := audit.Verify(cfg.JournalPath)
	if err != nil {
		return err
	}
	mismatches, err := audit.CrossCheck(ctx, entries, st)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "journal chain intact: %d entries\n", len(entries))
	for _, m := range mismatches {
		fmt.Fprintln(out, m)
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d journal entries disagree with the store", len(mismatches))
	}
	return nil
}
