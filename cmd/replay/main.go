// Command replay is the operator tool for recovering dead-lettered Outbox
// rows: select by event_id, session_id, or globally, and move them back to
// failed so the Delivery Worker retries them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/db"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/replaytool"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay dead-lettered outbox events",
	Long: `replay moves dead_letter Outbox rows back to failed so the
Delivery Worker retries them, recording an idempotent log entry per
(replay_token, event_id) so re-running the same token is always safe.`,
	RunE: runReplay,
}

var (
	flagEventID         string
	flagSessionID       string
	flagGlobal          bool
	flagLimit           int
	flagDryRun          bool
	flagReplayToken     string
	flagNote            string
	flagNoResetAttempts bool
)

func init() {
	rootCmd.Flags().StringVar(&flagEventID, "event-id", "", "replay a single event by event_id")
	rootCmd.Flags().StringVar(&flagSessionID, "session-id", "", "replay all dead_letter rows for a session")
	rootCmd.Flags().BoolVar(&flagGlobal, "all", false, "replay all dead_letter rows across every session")
	rootCmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum rows to select (required when using --all)")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report what would change without mutating any row")
	rootCmd.Flags().StringVar(&flagReplayToken, "replay-token", "", "replay token for the idempotency log (defaults to a fresh UUID)")
	rootCmd.Flags().StringVar(&flagNote, "note", "", "operator note recorded alongside this replay in the log")
	rootCmd.Flags().BoolVar(&flagNoResetAttempts, "no-reset-attempts", false, "leave attempts unchanged instead of resetting to 0")
}

func runReplay(cmd *cobra.Command, args []string) error {
	selector, err := selectorFromFlags()
	if err != nil {
		return err
	}

	token := flagReplayToken
	if token == "" {
		token = uuid.NewString()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	client, err := db.NewClient(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer func() { _ = client.Close() }()

	tool := replaytool.New(client.DB())
	report, err := tool.Replay(ctx, token, selector, !flagNoResetAttempts, flagNote, flagDryRun)
	if err != nil {
		fmt.Printf("[replay][FAIL] token=%s error=%v\n", token, err)
		return err
	}

	fmt.Printf("[replay][PASS] token=%s selected=%d inserted=%d updated=%d dry_run=%v note=%q\n",
		report.ReplayToken, report.SelectedRows, report.InsertedRows, report.UpdatedRows, report.DryRun, flagNote)
	for _, row := range report.Rows {
		fmt.Printf("  event_id=%s session_id=%s %s(%d) -> %s(%d)\n",
			row.EventID, row.SessionID, row.PreviousStatus, row.PreviousAttempt, row.NewStatus, row.NewAttempt)
	}
	return nil
}

func selectorFromFlags() (domain.ReplaySelector, error) {
	set := 0
	if flagEventID != "" {
		set++
	}
	if flagSessionID != "" {
		set++
	}
	if flagGlobal {
		set++
	}
	if set != 1 {
		return domain.ReplaySelector{}, fmt.Errorf("exactly one of --event-id, --session-id, or --all must be set")
	}

	switch {
	case flagEventID != "":
		return domain.ReplaySelector{Kind: domain.ReplaySelectByEventID, EventID: flagEventID, Limit: flagLimit}, nil
	case flagSessionID != "":
		return domain.ReplaySelector{Kind: domain.ReplaySelectBySessionID, SessionID: flagSessionID, Limit: flagLimit}, nil
	default:
		return domain.ReplaySelector{Kind: domain.ReplaySelectGlobal, Limit: flagLimit}, nil
	}
}
