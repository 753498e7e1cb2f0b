package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/config"
	"github.com/bryanchriswhite/PresentationRecorder/internal/history"
	"github.com/spf13/cobra"
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List finished recordings",
	Long:  `List recordings from the history database, newest first.`,
	Example: `  # Show the last 20 recordings
  presentationrecorder recordings --limit 20

  # Show recordings as JSON
  presentationrecorder recordings --format json`,
	RunE: runRecordings,
}

var (
	recordingsLimit  int
	recordingsFormat string
)

func init() {
	rootCmd.AddCommand(recordingsCmd)

	recordingsCmd.Flags().IntVarP(&recordingsLimit, "limit", "n", 20, "maximum number of recordings")
	recordingsCmd.Flags().StringVarP(&recordingsFormat, "format", "f", "table", "output format (table, yaml or json)")
}

func runRecordings(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("recording history is disabled (history.enabled)")
	}

	store, err := history.Open(config.ExpandPath(cfg.History.Path))
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(context.Background(), recordingsLimit)
	if err != nil {
		return err
	}

	if recordingsFormat == "table" {
		return printRecordingsTable(entries)
	}
	return printValue(entries, recordingsFormat)
}

func printRecordingsTable(entries []history.Entry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "STARTED\tDURATION\tSIZE\tENCODER\tREASON\tOUTPUT")
	fmt.Fprintln(w, "-------\t--------\t----\t-------\t------\t------")

	for _, e := range entries {
		reason := e.Reason
		if e.Error != "" {
			reason += " (" + e.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%dx%d@%d\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime),
			e.Duration().Round(time.Second),
			e.Width, e.Height, e.FrameRate,
			e.Encoder,
			reason,
			e.OutputPath,
		)
	}

	return nil
}
