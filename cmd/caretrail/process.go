package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caretrail/caretrail/internal/ingest"
	"github.com/caretrail/caretrail/internal/storage"
)

var processRetryFailed bool

var processCmd = &cobra.Command{
	Use:   "process [document-id]",
	Short: "Run the insight pipeline for pending documents",
	Long: `Process documents through extraction, embedding and insight
synthesis. With a document ID only that document is processed;
otherwise every unprocessed document is.

Examples:
  caretrail process
  caretrail process 7b0f7e8c-1a2b-4c3d-9e8f-0a1b2c3d4e5f
  caretrail process --retry-failed`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().BoolVar(&processRetryFailed, "retry-failed", false, "also reprocess failed documents")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if len(args) == 1 {
		return app.pipeline.Process(ctx, args[0])
	}

	states := []string{storage.StateUnprocessed}
	if processRetryFailed {
		states = append(states, storage.StateFailed)
	}

	var failures int
	for _, state := range states {
		docs, err := app.metadata.ListDocumentsByState(state)
		if err != nil {
			return fmt.Errorf("failed to list %s documents: %w", state, err)
		}

		for _, doc := range docs {
			fmt.Printf("Processing %s (%s)...\n", doc.ID, doc.FileName)
			if err := app.pipeline.Process(ctx, doc.ID); err != nil {
				if errors.Is(err, ingest.ErrAlreadyProcessing) {
					fmt.Println("  skipped: already being processed")
					continue
				}
				failures++
				fmt.Printf("  failed: %v\n", err)
				continue
			}
			fmt.Println("  done")
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d document(s) failed", failures)
	}
	return nil
}
