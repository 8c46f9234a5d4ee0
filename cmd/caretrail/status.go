package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caretrail/caretrail/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and document counts",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.cfg

	fmt.Println("CareTrail Status")
	fmt.Println(strings.Repeat("=", 40))

	fmt.Println("\nConfiguration:")
	fmt.Printf("  Database:  %s\n", cfg.DBPath)
	if cfg.S3Bucket != "" {
		fmt.Printf("  Blobs:     s3://%s (%s)\n", cfg.S3Bucket, cfg.S3Region)
	} else {
		fmt.Printf("  Blobs:     %s\n", cfg.BlobDir)
	}
	fmt.Printf("  Model:     %s\n", cfg.GeminiModel)
	fmt.Printf("  SMTP:      %s\n", valueOrDefault(cfg.SMTPHost, "not configured"))
	fmt.Printf("  SMS:       %s\n", keyStatus(cfg.SMSAuthKey))

	fmt.Println("\nDocuments:")
	states := []string{
		storage.StateUnprocessed,
		storage.StateProcessing,
		storage.StateProcessed,
		storage.StateFailed,
	}
	for _, state := range states {
		docs, err := app.metadata.ListDocumentsByState(state)
		if err != nil {
			return fmt.Errorf("failed to count %s documents: %w", state, err)
		}
		fmt.Printf("  %-12s %d\n", state+":", len(docs))

		if state == storage.StateFailed {
			for _, doc := range docs {
				fmt.Printf("    %s: %s\n", doc.ID, doc.ProcessingError)
			}
		}
	}

	return nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func keyStatus(key string) string {
	if key == "" {
		return "not configured"
	}
	return "configured"
}
