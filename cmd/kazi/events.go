package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/orchestrator"
)

var eventsType string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream scheduler events until interrupted",
	Long: `Stream scheduler events from a running server.

Examples:
  kazi events
  kazi events --type hold.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "only show events whose type starts with this prefix")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newClient()
	target, err := eventsURL(c.baseURL, c.token, eventsType)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		Subprotocols: []string{"kazi-events-v1"},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &apiError{Status: resp.StatusCode}
		}
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	out := cmd.OutOrStdout()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		var ev orchestrator.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fmt.Fprintln(out, formatEvent(ev))
	}
}

// eventsURL turns the server's HTTP base URL into the WebSocket stream URL.
func eventsURL(base, token, prefix string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("server URL must be http(s) or ws(s)")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if prefix != "" {
		q.Set("type", prefix)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formatEvent(ev orchestrator.Event) string {
	line := ev.Time.Format("15:04:05") + "  " + string(ev.Type)
	if ev.TicketID != uuid.Nil {
		line += "  " + shortID(ev.TicketID.String())
	}
	if ev.Team != "" {
		line += "  " + string(ev.Team)
	}
	if ev.Detail != "" {
		line += "  " + ev.Detail
	}
	return line
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
