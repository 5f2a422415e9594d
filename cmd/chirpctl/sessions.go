package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chirp/internal/session"
)

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage local sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sessions and whether their daemon answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := session.List()
		if err != nil {
			return err
		}
		if jsonOut {
			type entry struct {
				Name    string `json:"name"`
				Path    string `json:"path"`
				Running bool   `json:"running"`
			}
			out := make([]entry, 0, len(names))
			for _, name := range names {
				out = append(out, entry{Name: name, Path: session.Dir(name), Running: daemonAnswers(name)})
			}
			return outputJSON(out)
		}
		if len(names) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, name := range names {
			state := "stopped"
			if daemonAnswers(name) {
				state = "running"
			}
			fmt.Printf("%-20s %s (%s)\n", name, session.Dir(name), state)
		}
		return nil
	},
}

// daemonAnswers probes a session's control socket with a short deadline.
// A stale socket file counts as stopped.
func daemonAnswers(name string) bool {
	conn, client, err := dialControl(name)
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	return err == nil
}
