package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/caretrail/caretrail/internal/storage"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CareTrail API server",
	Long: `Start the HTTP API server and the document processing pipeline.

Examples:
  caretrail serve
  caretrail serve --addr :9090 --config caretrail.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer app.Close()

	addr := app.cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	resumeInterrupted(app.metadata, app.pipeline.Dispatch, time.Now().UTC())

	fmt.Printf("Starting CareTrail API at http://localhost%s\n", addr)
	return app.server.Run(addr)
}

// resumeStore is the slice of the metadata store startup recovery needs.
type resumeStore interface {
	FailInterruptedDocuments(now time.Time) ([]string, error)
	ListDocumentsByState(state string) ([]*storage.DocumentRecord, error)
	GetDocument(id string) (*storage.DocumentRecord, error)
}

// resumeInterrupted recovers pipeline work cut short by a previous
// shutdown. Documents stranded in the processing state are marked
// failed first, then everything still owed a run is re-dispatched.
// Documents with AI disabled stay untouched.
func resumeInterrupted(store resumeStore, dispatch func(string), now time.Time) {
	swept, err := store.FailInterruptedDocuments(now)
	if err != nil {
		log.Printf("Warning: failed to sweep interrupted documents: %v", err)
	} else if len(swept) > 0 {
		log.Printf("Recovered %d document(s) from an interrupted run", len(swept))
	}

	pending, err := store.ListDocumentsByState(storage.StateUnprocessed)
	if err != nil {
		log.Printf("Warning: failed to list pending documents: %v", err)
	}
	for _, doc := range pending {
		if doc.AIEnabled {
			dispatch(doc.ID)
		}
	}

	for _, id := range swept {
		doc, err := store.GetDocument(id)
		if err != nil {
			log.Printf("Warning: failed to load document %s: %v", id, err)
			continue
		}
		if doc.AIEnabled {
			dispatch(doc.ID)
		}
	}
}
