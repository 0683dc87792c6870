package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracefold/runtrace/trace"
)

func controlServer(t *testing.T, wantPath string, status int, body any) (*httptest.Server, *http.Request) {
	t.Helper()
	var captured http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = *r.Clone(context.Background())
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, wantPath, r.URL.Path)
		w.WriteHeader(status)
		if body != nil {
			require.NoError(t, json.NewEncoder(w).Encode(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestStart(t *testing.T) {
	srv, captured := controlServer(t, "/chats/c1/runs", http.StatusCreated, map[string]any{
		"id":     "r1",
		"status": "pending",
	})
	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	run, err := c.Start(context.Background(), StartRequest{ChatID: "c1", Objective: "ship it"})
	require.NoError(t, err)
	require.Equal(t, "r1", run.ID)
	require.Equal(t, trace.StatusPending, run.Status)
	require.Equal(t, -1, run.CurrentStepIndex)

	require.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	require.NotEmpty(t, captured.Header.Get("Idempotency-Key"))
}

func TestStartRequiresChatID(t *testing.T) {
	c, err := New(Options{BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	_, err = c.Start(context.Background(), StartRequest{})
	require.EqualError(t, err, "chat id is required")
}

func TestCancel(t *testing.T) {
	srv, _ := controlServer(t, "/runs/r1/cancel", http.StatusOK, map[string]any{
		"id":     "r1",
		"status": "cancelled",
	})
	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	run, err := c.Cancel(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, trace.StatusCancelled, run.Status)
}

func TestPauseAndResume(t *testing.T) {
	for _, tc := range []struct {
		op   func(*Client, context.Context, string) (*trace.Run, error)
		path string
	}{
		{(*Client).Pause, "/runs/r1/pause"},
		{(*Client).Resume, "/runs/r1/resume"},
	} {
		srv, _ := controlServer(t, tc.path, http.StatusOK, map[string]any{"id": "r1", "status": "running"})
		c, err := New(Options{BaseURL: srv.URL})
		require.NoError(t, err)
		run, err := tc.op(c, context.Background(), "r1")
		require.NoError(t, err)
		require.Equal(t, trace.StatusRunning, run.Status)
	}
}

func TestRunOpsRequireRunID(t *testing.T) {
	c, err := New(Options{BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	_, err = c.Cancel(context.Background(), "")
	require.EqualError(t, err, "run id is required")
}

func TestErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "run already finished", http.StatusConflict)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Cancel(context.Background(), "r1")
	require.ErrorContains(t, err, "unexpected status 409")
	require.ErrorContains(t, err, "run already finished")
}

func TestTransportErrorSurfaces(t *testing.T) {
	c, err := New(Options{BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	_, err = c.Cancel(context.Background(), "r1")
	require.Error(t, err)
}

func TestNormalizeFillsOmittedFields(t *testing.T) {
	srv, _ := controlServer(t, "/chats/c1/runs", http.StatusOK, map[string]any{
		"id": "r1",
		"steps": []map[string]any{
			{"description": "a"},
			{"description": "b"},
		},
	})
	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	run, err := c.Start(context.Background(), StartRequest{ChatID: "c1"})
	require.NoError(t, err)
	require.Equal(t, trace.StatusPending, run.Status)
	require.Equal(t, trace.StepPending, run.Steps[0].Status)
	require.Equal(t, 1, run.Steps[1].Index)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "base URL is required")
}
