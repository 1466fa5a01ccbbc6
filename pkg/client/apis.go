package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/limb-lab/mvc/pkg/events"
	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/recorder"
)

func (c *Client) GetStatus() (*mvc.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get session status")
	}

	var st mvc.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session status")
	}
	return &st, nil
}

func (c *Client) GetResults() ([]recorder.Record, error) {
	ret, err := c.Get("/results")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get results")
	}

	var recs []recorder.Record
	if err := json.Unmarshal([]byte(ret), &recs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal results")
	}
	return recs, nil
}

// GetResultsCSV returns the row export exactly as written to disk.
func (c *Client) GetResultsCSV() (string, error) {
	ret, err := c.Get("/results.csv")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get results csv")
	}
	return ret, nil
}

func (c *Client) Stop() (string, error) {
	ret, err := c.Post("/stop", "")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to stop session")
	}
	return unquote(ret), nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}

// SubscribeEvents follows the server-sent event feed and calls fn for every
// event until ctx is done, the session ends the stream, or fn fails.
func (c *Client) SubscribeEvents(ctx context.Context, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/events"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to subscribe to events")
	}
	defer resp.Body.Close()
	if err := checkStatus(resp.StatusCode, ""); err != nil {
		return pkgerrors.Wrapf(err, "failed to subscribe to events")
	}

	err = readSSE(bufio.NewScanner(resp.Body), fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readSSE parses "event:" and "data:" lines; a blank line ends an event.
func readSSE(sc *bufio.Scanner, fn func(events.Event) error) error {
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev events.Event
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.Name == "" && len(data) == 0 {
				continue
			}
			ev.Data = json.RawMessage(strings.Join(data, "\n"))
			if err := fn(ev); err != nil {
				return err
			}
			ev, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// unquote strips the quotes of a JSON string response.
func unquote(s string) string {
	var v string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
