package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
)

var (
	clientServer  string
	clientToken   string
	clientTimeout int
)

// addClientFlags registers the connection flags shared by every command that
// talks to a running server.
func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&clientServer, "server", "http://localhost:8090", "kazi server URL (or KAZI_SERVER env)")
		cmd.Flags().StringVar(&clientToken, "token", "", "API token (or KAZI_API_TOKEN env)")
		cmd.Flags().IntVar(&clientTimeout, "timeout", 30, "request timeout in seconds")
	}
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	switch e.Status {
	case http.StatusUnauthorized:
		return "unauthorized: check --token or KAZI_API_TOKEN"
	case http.StatusTooManyRequests:
		return "rate limited, retry later"
	case http.StatusServiceUnavailable:
		return "scheduler unavailable: " + e.Message
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// client is a thin JSON client for the control API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *client {
	return &client{
		baseURL: strings.TrimRight(goutils.Env("KAZI_SERVER", clientServer), "/"),
		token:   goutils.Env("KAZI_API_TOKEN", clientToken),
		http:    &http.Client{Timeout: time.Duration(clientTimeout) * time.Second},
	}
}

// do sends a request and decodes a JSON response into out when out is non-nil.
// body may be nil, a []byte sent as-is, or a value encoded as JSON.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach kazi at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorMessage extracts the message from an error body, falling back to the
// raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// isStatus reports whether err is an API error with the given status code.
func isStatus(err error, code int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == code
}
