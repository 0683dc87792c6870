// Package control wraps the REST endpoints used to start, cancel, pause,
// and resume runs. The endpoints are request/response contracts owned by
// the server; this client exists only to issue the calls and to seed the
// registry with the returned run snapshot before a stream attaches.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tracefold/runtrace/trace"
)

const tracerName = "github.com/tracefold/runtrace/trace/control"

type (
	// Options configures the control client.
	Options struct {
		// BaseURL is the API root, for example "https://api.example.com/v1".
		// Required.
		BaseURL string
		// HTTPClient overrides the default client. Optional.
		HTTPClient *http.Client
		// Timeout bounds each call when HTTPClient is not provided.
		// Defaults to 30 seconds.
		Timeout time.Duration
	}

	// Client issues run control calls.
	Client struct {
		base   string
		http   *http.Client
		tracer oteltrace.Tracer
	}

	// StartRequest describes a new run to create.
	StartRequest struct {
		// ChatID associates the run with the conversation that launched it.
		ChatID string `json:"chat_id"`
		// Objective is the task objective text. Optional; the server may
		// derive it from the conversation.
		Objective string `json:"objective,omitempty"`
	}
)

// New constructs a control client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		http:   httpClient,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Start creates a new run for the chat and returns its initial snapshot.
func (c *Client) Start(ctx context.Context, req StartRequest) (*trace.Run, error) {
	if req.ChatID == "" {
		return nil, errors.New("chat id is required")
	}
	path := fmt.Sprintf("/chats/%s/runs", url.PathEscape(req.ChatID))
	return c.post(ctx, "runtrace.start", path, req)
}

// Cancel requests cancellation of the run and returns its snapshot.
func (c *Client) Cancel(ctx context.Context, runID string) (*trace.Run, error) {
	return c.runOp(ctx, "runtrace.cancel", runID, "cancel")
}

// Pause requests that the run pause and returns its snapshot.
func (c *Client) Pause(ctx context.Context, runID string) (*trace.Run, error) {
	return c.runOp(ctx, "runtrace.pause", runID, "pause")
}

// Resume requests that a paused run continue and returns its snapshot.
func (c *Client) Resume(ctx context.Context, runID string) (*trace.Run, error) {
	return c.runOp(ctx, "runtrace.resume", runID, "resume")
}

func (c *Client) runOp(ctx context.Context, span, runID, op string) (*trace.Run, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	path := fmt.Sprintf("/runs/%s/%s", url.PathEscape(runID), op)
	return c.post(ctx, span, path, nil)
}

func (c *Client) post(ctx context.Context, spanName, path string, body any) (*trace.Run, error) {
	ctx, span := c.tracer.Start(ctx, spanName,
		oteltrace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The server deduplicates retried control calls on this key.
	req.Header.Set("Idempotency-Key", uuid.NewString())

	res, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("%s: unexpected status %d: %s", path, res.StatusCode, strings.TrimSpace(string(msg)))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var snapshot trace.Run
	if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decode run snapshot: %w", err)
	}
	normalize(&snapshot)
	return &snapshot, nil
}

// normalize fills snapshot fields the server is allowed to omit so seeded
// runs satisfy the same invariants as event-built ones.
func normalize(r *trace.Run) {
	if r.Status == "" {
		r.Status = trace.StatusPending
	}
	if len(r.Steps) == 0 {
		r.CurrentStepIndex = -1
	}
	for i, s := range r.Steps {
		if s.Index == 0 && i != 0 {
			s.Index = i
		}
		if s.Status == "" {
			s.Status = trace.StepPending
		}
	}
}
