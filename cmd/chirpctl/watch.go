package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/matheus3301/chirp/internal/session"
)

var kindFlag string

func init() {
	watchCmd.Flags().StringVar(&kindFlag, "kind", "", "only print events whose kind has this prefix (e.g. message.)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the session's event feed as JSON lines",
	Long:  "Attach to the daemon's feed socket and print every bus event as one JSON envelope per line until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionName, err := resolveSession()
		if err != nil {
			return err
		}
		sock := session.FeedSocketPath(sessionName)
		httpClient := &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sock)
				},
			},
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, _, err := websocket.Dial(dialCtx, "ws://chirp/", &websocket.DialOptions{HTTPClient: httpClient})
		cancel()
		if err != nil {
			return fmt.Errorf("cannot reach feed for session %q: %w", sessionName, err)
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("feed closed: %w", err)
			}
			if kindFlag != "" && !matchesKind(data, kindFlag) {
				continue
			}
			fmt.Println(string(data))
		}
	},
}

func matchesKind(frame []byte, prefix string) bool {
	var env struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return true
	}
	return strings.HasPrefix(env.Kind, prefix)
}
