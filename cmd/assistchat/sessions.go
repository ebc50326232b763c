package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/assistchat/internal/sessionstore"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted conversation threads",
	RunE:  runSessions,
}

var sessionsPrune bool

var (
	forgetName string
	forgetAll  bool
)

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Drop persisted conversation threads",
	Long:  "Drop the thread for one terminal conversation (--name) or for every conversation (--all).",
	RunE:  runForget,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsPrune, "prune", false, "delete expired threads before listing")
	forgetCmd.Flags().StringVar(&forgetName, "name", "", "terminal conversation name")
	forgetCmd.Flags().BoolVar(&forgetAll, "all", false, "drop every persisted thread")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(forgetCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	backend, err := sessionstore.Open(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx := context.Background()
	if sessionsPrune {
		n, err := backend.Purge(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("pruning sessions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired session(s).\n", n)
	}

	handles, err := backend.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(handles) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}
	return writeHandles(cmd.OutOrStdout(), handles, time.Now())
}

func writeHandles(out io.Writer, handles []*sessionstore.Handle, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTHREAD\tEXPIRES\tUPDATED")
	for _, h := range handles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Key, h.Value, expiryLabel(h.ExpiresAt, now), timeLabel(h.UpdatedAt))
	}
	return w.Flush()
}

func expiryLabel(expiresAt, now time.Time) string {
	switch {
	case expiresAt.IsZero():
		return "-"
	case !now.Before(expiresAt):
		return "expired"
	default:
		return "in " + expiresAt.Sub(now).Round(time.Hour).String()
	}
}

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func runForget(cmd *cobra.Command, args []string) error {
	if forgetAll == (forgetName != "") {
		return fmt.Errorf("specify exactly one of --name or --all")
	}

	backend, err := sessionstore.Open(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	ctx := context.Background()

	if forgetAll {
		n, err := backend.DeleteAll(ctx)
		if err != nil {
			return fmt.Errorf("forgetting sessions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Forgot %d session(s).\n", n)
		return nil
	}

	sessionstore.New(backend, chatKey(forgetName), sessionstore.WithLogger(logger)).Clear(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s.\n", chatKey(forgetName))
	return nil
}
