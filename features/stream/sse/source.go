// Package sse implements the trace stream source over a URL-addressed
// server-push channel: one long-lived HTTP connection per run identifier,
// delivering named frames in server-sent-events framing.
//
// Each frame's data line carries the full envelope JSON; the frame name
// duplicates the event kind for routing. Control frames (subscribed,
// heartbeat) may omit the data line entirely.
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"goa.design/clue/log"

	"github.com/tracefold/runtrace/trace/event"
	"github.com/tracefold/runtrace/trace/subscribe"
)

type (
	// Options configures the SSE source.
	Options struct {
		// BaseURL is the API root; the source connects to
		// "<base>/runs/<id>/events". Required.
		BaseURL string
		// HTTPClient overrides the default client. It must not set a
		// client-level timeout, since the connection is long-lived.
		HTTPClient *http.Client
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Source opens one push connection per run. It implements
	// subscribe.Source. The source does not reconnect on failure; it
	// reports the error and ends the stream.
	Source struct {
		base   string
		http   *http.Client
		buffer int

		dropLog rate.Sometimes
	}
)

// New constructs an SSE source.
func New(opts Options) (*Source, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Source{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		buffer:  buffer,
		dropLog: rate.Sometimes{First: 3, Interval: time.Second},
	}, nil
}

// Subscribe implements subscribe.Source.
func (s *Source) Subscribe(ctx context.Context, runID string) (<-chan event.Envelope, <-chan error, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, nil, errors.New("run id is required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	endpoint := fmt.Sprintf("%s/runs/%s/events", s.base, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := s.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		cancel()
		return nil, nil, nil, fmt.Errorf("connect %s: unexpected status %d", endpoint, res.StatusCode)
	}

	events := make(chan event.Envelope, s.buffer)
	errs := make(chan error, 1)
	go s.consume(runCtx, runID, res, events, errs)
	return events, errs, cancel, nil
}

// consume parses the SSE body frame by frame until teardown or EOF.
func (s *Source) consume(ctx context.Context, runID string, res *http.Response, out chan<- event.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	defer res.Body.Close()

	// Closing the body when the context ends unblocks the scanner.
	go func() {
		<-ctx.Done()
		res.Body.Close()
	}()

	var name string
	var data strings.Builder
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			s.emit(ctx, runID, name, data.String(), out)
			name = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// Comment lines (":" prefix) and unknown fields are ignored.
	}
	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		errs <- fmt.Errorf("stream read: %w", err)
		return
	}
	// Flush a final frame not terminated by a blank line.
	s.emit(ctx, runID, name, data.String(), out)
}

// emit decodes one frame and delivers it. Malformed frames are logged at a
// throttled rate and dropped; a single bad frame must not kill the
// subscription.
func (s *Source) emit(ctx context.Context, runID, name, data string, out chan<- event.Envelope) {
	if name == "" && data == "" {
		return
	}
	var env event.Envelope
	if data == "" {
		// Control frames may carry no body.
		kind := event.Kind(name)
		if !kind.Control() {
			return
		}
		env = event.Envelope{Kind: kind, RunID: runID, Timestamp: time.Now()}
	} else {
		decoded, err := event.Decode([]byte(data))
		if err != nil {
			s.dropLog.Do(func() {
				log.Debug(ctx, log.KV{K: "msg", V: "malformed frame dropped"},
					log.KV{K: "run_id", V: runID},
					log.KV{K: "frame", V: name},
					log.KV{K: "err", V: err.Error()})
			})
			return
		}
		env = decoded
	}
	select {
	case out <- env:
	case <-ctx.Done():
	}
}

var _ subscribe.Source = (*Source)(nil)
