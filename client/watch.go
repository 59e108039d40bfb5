package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrStreamEnded is returned by WatchRun when the server closed the stream before a terminal status
// and reconnecting is disabled.
var ErrStreamEnded = errors.New("run stream ended before a terminal status")

// WatchRun follows a run's status over server-sent events and calls fn for every status in order
// until the run is terminal. afterSeq < 0 starts from the current status. Dropped connections
// are resumed from the last delivered sequence number. An error from fn stops the watch.
func (c *Client) WatchRun(ctx context.Context, runID string, afterSeq int, fn func(StatusEvent) error) error {
	lastSeq := afterSeq
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.maxElapsed > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = c.maxElapsed
		policy = exp
	}
	policy = backoff.WithContext(policy, ctx)

	for {
		terminal, progressed, err := c.watchOnce(ctx, runID, &lastSeq, fn)
		if terminal {
			return nil
		}
		if err == nil {
			err = ErrStreamEnded
		}
		var apiErr *APIError
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return err
		}
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if progressed {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		c.logger.Debug("reconnecting run stream", "run_id", runID, "after_seq", lastSeq, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }

func (c *Client) watchOnce(ctx context.Context, runID string, lastSeq *int, fn func(StatusEvent) error) (terminal, progressed bool, err error) {
	q := url.Values{}
	if *lastSeq >= 0 {
		q.Set("after_seq", strconv.Itoa(*lastSeq))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/stream", q, nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any client-wide timeout.
	httpClient := *c.http
	httpClient.Timeout = 0
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, false, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "status" && data != "" {
				var ev StatusEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return false, progressed, fmt.Errorf("decode status event: %w", err)
				}
				if ev.Seq > *lastSeq {
					if err := fn(ev); err != nil {
						return false, progressed, callbackError{err}
					}
					*lastSeq = ev.Seq
					progressed = true
				}
				if Terminal(ev.Status) {
					return true, progressed, nil
				}
			} else if event == "error" {
				return false, progressed, fmt.Errorf("run stream error: %s", data)
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return false, progressed, scanner.Err()
}
