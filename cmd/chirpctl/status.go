package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chirp/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health for the session",
	Long:  "Probe the session's control socket: overall daemon health, plus whether the session has reached the live synced state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionName, err := resolveSession()
		if err != nil {
			return err
		}
		conn, client, err := dialControl(sessionName)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		overall, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return fmt.Errorf("cannot reach daemon for session %q: %w", sessionName, err)
		}
		live, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.HealthService})
		if err != nil {
			return fmt.Errorf("session health check: %w", err)
		}

		if jsonOut {
			return outputJSON(map[string]string{
				"session": sessionName,
				"daemon":  overall.Status.String(),
				"sync":    live.Status.String(),
			})
		}
		fmt.Printf("Session: %s\n", sessionName)
		fmt.Printf("Daemon:  %s\n", overall.Status)
		fmt.Printf("Sync:    %s\n", live.Status)
		return nil
	},
}
