package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/codeloop/codeloop/db"
	"github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

var (
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "List stored conversations, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of conversations or messages to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	conn, err := db.Open(ctx, cfg.App.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer conn.Close()
	store := adapters.NewLibSQLConversationStore(conn)
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		summaries, err := store.ListConversations(ctx, historyLimit)
		if err != nil {
			return err
		}
		printSummaries(out, summaries)
		return nil
	}

	turns, err := store.LoadContext(ctx, args[0], historyLimit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return fmt.Errorf("conversation %s not found", args[0])
	}
	artifacts, err := store.ListArtifacts(ctx, args[0])
	if err != nil {
		return err
	}
	printConversation(out, turns, artifacts)
	return nil
}

func printSummaries(out io.Writer, summaries []adapters.ConversationSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No conversations stored.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMESSAGES\tUPDATED\tQUESTION")
	for _, s := range summaries {
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.Turns, updated, oneLine(s.Question, 60))
	}
	tw.Flush()
}

func printConversation(out io.Writer, turns []ports.Turn, artifacts []string) {
	for _, t := range turns {
		if t.Role == "system" {
			continue
		}
		fmt.Fprintf(out, "\033[36m[%s]\033[0m %s\n%s\n\n", t.Role, t.CreatedAt.Local().Format(time.DateTime), t.Content)
	}
	for _, name := range artifacts {
		fmt.Fprintf(out, "\033[32m[file]\033[0m %s\n", name)
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}
