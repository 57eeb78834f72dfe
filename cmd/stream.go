package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/backstage/eventcore/internal/database"
	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/eventstore"
)

var streamFrom uint64

var streamCmd = &cobra.Command{
	Use:   "stream <aggregate-type> <aggregate-id>",
	Short: "Print the records of an event stream",
	Args:  cobra.ExactArgs(2),
	RunE:  runStream,
}

func init() {
	streamCmd.Flags().Uint64Var(&streamFrom, "from", 0, "first version to print")
	rootCmd.AddCommand(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	stream, err := domain.NewStreamKey(domain.AggregateType(args[0]), domain.AggregateID(args[1]))
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	store := eventstore.NewRetrying(eventstore.NewGormStore(db), nil)
	it, err := store.Load(cmd.Context(), stream, domain.Version(streamFrom))
	if err != nil {
		return err
	}
	defer it.Close()

	out := cmd.OutOrStdout()
	n := 0
	for it.Next(cmd.Context()) {
		rec := it.Record()
		kind := "event"
		if rec.IsSnapshot() {
			kind = "snapshot"
		}
		fmt.Fprintf(out, "%d\t%s\t%s\tv%d\t%s:%s\t%s\t%s\n",
			rec.Version(), kind, rec.Metadata.EventName, rec.SchemaVersion,
			rec.Metadata.Agent.Kind, rec.Metadata.Agent.ID,
			rec.Metadata.OccurredAt.Format("2006-01-02T15:04:05Z07:00"), rec.Payload)
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d records in %s\n", n, stream)
	return nil
}
