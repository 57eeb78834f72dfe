package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"example.com/backstage/eventcore/internal/database"
	"example.com/backstage/eventcore/internal/outbox"
)

var failedLimit int

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and replay outbox entries",
}

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List entries the broker rejected",
	RunE:  runOutboxFailed,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Re-queue a failed entry for publishing",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRetry,
}

func init() {
	outboxFailedCmd.Flags().IntVar(&failedLimit, "limit", 50, "maximum number of entries to list")
	outboxCmd.AddCommand(outboxFailedCmd, outboxRetryCmd)
	rootCmd.AddCommand(outboxCmd)
}

func runOutboxFailed(cmd *cobra.Command, args []string) error {
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	entries, err := outbox.NewGormStore(db).ListFailed(cmd.Context(), failedLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s\t%s\tattempts=%d\tfailed_at=%s\t%s\n",
			e.ID, e.Stream, e.RoutingKey, e.Attempts, e.FailedAt.Format("2006-01-02T15:04:05Z07:00"), e.LastError)
	}
	fmt.Fprintf(out, "%d failed entries\n", len(entries))
	return nil
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return errors.Wrapf(err, "invalid entry id %q", args[0])
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := outbox.NewGormStore(db).Retry(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "entry %s re-queued\n", id)
	return nil
}
