package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired invitations",
	Long: `Delete invitation tokens that are past their expiry or already
consumed. Verification and OTP codes expire on their own and need no
sweeping. Run this periodically, e.g. from cron.`,
	RunE: runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	app, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer app.Close()

	n, err := app.metadata.DeleteExpiredInvites(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete expired invites: %w", err)
	}

	if n == 0 {
		fmt.Println("No expired invitations found")
	} else {
		fmt.Printf("Deleted %d expired invitation(s)\n", n)
	}
	return nil
}
