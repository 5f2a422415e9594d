package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chirp/internal/session"
)

var (
	sessionFlag string
	jsonOut     bool
)

var rootCmd = &cobra.Command{
	Use:          "chirpctl",
	Short:        "Control a chirp session daemon",
	Long:         "Inspect and follow a local chirp session daemon over its Unix sockets.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveSession applies the flag/config/default precedence and validates
// the result.
func resolveSession() (string, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// dialControl connects to a session's control socket. The connection is
// lazy; a missing daemon surfaces on the first call.
func dialControl(sessionName string) (*grpc.ClientConn, healthpb.HealthClient, error) {
	conn, err := grpc.NewClient(
		"unix://"+session.SocketPath(sessionName),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, err
	}
	return conn, healthpb.NewHealthClient(conn), nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
