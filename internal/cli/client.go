package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// daemonClient talks to the running daemon's management API.
type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient() *daemonClient {
	host, port := "127.0.0.1", 4170
	if appConfig != nil {
		if appConfig.Server.Host != "" {
			host = appConfig.Server.Host
		}
		if appConfig.Server.Port > 0 {
			port = appConfig.Server.Port
		}
	}
	return &daemonClient{
		base: fmt.Sprintf("http://%s:%d", host, port),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *daemonClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *daemonClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *daemonClient) del(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *daemonClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is it running? try 'mend serve start'): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading daemon response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding daemon response: %w", err)
		}
	}
	return nil
}

// triggerPoll nudges the daemon to poll immediately after a mutation.
// Failures are non-fatal; the next regular cycle picks the change up.
func (c *daemonClient) triggerPoll() {
	if err := c.post("/poll", nil, nil); err != nil {
		slog.Debug("could not trigger daemon poll", "error", err)
	}
}
