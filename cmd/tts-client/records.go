package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/db"
	"github.com/book-expert/tts-fulfillment/internal/tts/ttsutils"
	"github.com/spf13/cobra"
)

const defaultRecordLimit = 20

func newRecordsCmd(state *cliState) *cobra.Command {
	var limit, offset int

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Show the most recent fulfillment records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), state, func(database *db.DB) error {
				records, err := database.ListRecords(cmd.Context(), limit, offset)
				if err != nil {
					return fmt.Errorf("failed to list records: %w", err)
				}

				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(writer, "CREATED\tOUTCOME\tKIND\tKEY\tCHARS\tDURATION\tURL")

				for _, rec := range records {
					_, _ = fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						rec.CreatedAt.Format(tableTimeFormat), rec.Outcome, rec.Kind, rec.CredentialName,
						rec.CharactersUsed, ttsutils.FormatDuration((time.Duration(rec.DurationMs) * time.Millisecond).Seconds()),
						rec.AudioURL)
				}

				return writer.Flush()
			})
		},
	}

	recordsCmd.Flags().IntVar(&limit, "limit", defaultRecordLimit, "Number of records to show")
	recordsCmd.Flags().IntVar(&offset, "offset", 0, "Number of records to skip")

	recordsCmd.AddCommand(newUsageCmd(state))

	return recordsCmd
}

func newUsageCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Summarize ledger usage per credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), state, func(database *db.DB) error {
				summaries, err := database.UsageSummaries(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to summarize usage: %w", err)
				}

				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(writer, "KEY\tSUCCESSES\tFAILURES\tCHARACTERS")

				for _, summary := range summaries {
					_, _ = fmt.Fprintf(writer, "%s\t%d\t%d\t%d\n",
						summary.CredentialName, summary.Successes, summary.Failures, summary.CharactersUsed)
				}

				return writer.Flush()
			})
		},
	}
}
