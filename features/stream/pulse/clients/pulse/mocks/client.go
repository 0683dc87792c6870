// Code generated by cmg; hand-maintained alongside the client interfaces.
package mocks

import (
	"context"
	"testing"

	"goa.design/clue/mock"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/tracefold/runtrace/features/stream/pulse/clients/pulse"
)

type (
	// Client mocks clientspulse.Client.
	Client struct {
		m *mock.Mock
		t *testing.T
	}

	// ClientStreamFunc mocks Client.Stream.
	ClientStreamFunc func(name string, opts ...streamopts.Stream) (clientspulse.Stream, error)
	// ClientCloseFunc mocks Client.Close.
	ClientCloseFunc func(ctx context.Context) error

	// Stream mocks clientspulse.Stream.
	Stream struct {
		m *mock.Mock
		t *testing.T
	}

	// StreamNewSinkFunc mocks Stream.NewSink.
	StreamNewSinkFunc func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error)

	// Sink mocks clientspulse.Sink.
	Sink struct {
		m *mock.Mock
		t *testing.T
	}

	// SinkSubscribeFunc mocks Sink.Subscribe.
	SinkSubscribeFunc func() <-chan *streaming.Event
	// SinkAckFunc mocks Sink.Ack.
	SinkAckFunc func(ctx context.Context, e *streaming.Event) error
	// SinkCloseFunc mocks Sink.Close.
	SinkCloseFunc func(ctx context.Context)
)

// NewClient returns a Client mock.
func NewClient(t *testing.T) *Client {
	return &Client{mock.New(), t}
}

// AddStream adds a one-shot Stream expectation.
func (c *Client) AddStream(f ClientStreamFunc) { c.m.Add("Stream", f) }

// SetStream sets a permanent Stream expectation.
func (c *Client) SetStream(f ClientStreamFunc) { c.m.Set("Stream", f) }

// Stream implements clientspulse.Client.
func (c *Client) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	if f := c.m.Next("Stream"); f != nil {
		return f.(ClientStreamFunc)(name, opts...)
	}
	c.t.Helper()
	c.t.Error("unexpected Stream call")
	return nil, nil
}

// AddClose adds a one-shot Close expectation.
func (c *Client) AddClose(f ClientCloseFunc) { c.m.Add("Close", f) }

// Close implements clientspulse.Client.
func (c *Client) Close(ctx context.Context) error {
	if f := c.m.Next("Close"); f != nil {
		return f.(ClientCloseFunc)(ctx)
	}
	c.t.Helper()
	c.t.Error("unexpected Close call")
	return nil
}

// HasMore returns true if there are expectations left to consume.
func (c *Client) HasMore() bool { return c.m.HasMore() }

// NewStream returns a Stream mock.
func NewStream(t *testing.T) *Stream {
	return &Stream{mock.New(), t}
}

// AddNewSink adds a one-shot NewSink expectation.
func (s *Stream) AddNewSink(f StreamNewSinkFunc) { s.m.Add("NewSink", f) }

// NewSink implements clientspulse.Stream.
func (s *Stream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	if f := s.m.Next("NewSink"); f != nil {
		return f.(StreamNewSinkFunc)(ctx, name, opts...)
	}
	s.t.Helper()
	s.t.Error("unexpected NewSink call")
	return nil, nil
}

// HasMore returns true if there are expectations left to consume.
func (s *Stream) HasMore() bool { return s.m.HasMore() }

// NewSink returns a Sink mock.
func NewSink(t *testing.T) *Sink {
	return &Sink{mock.New(), t}
}

// AddSubscribe adds a one-shot Subscribe expectation.
func (s *Sink) AddSubscribe(f SinkSubscribeFunc) { s.m.Add("Subscribe", f) }

// SetSubscribe sets a permanent Subscribe expectation.
func (s *Sink) SetSubscribe(f SinkSubscribeFunc) { s.m.Set("Subscribe", f) }

// Subscribe implements clientspulse.Sink.
func (s *Sink) Subscribe() <-chan *streaming.Event {
	if f := s.m.Next("Subscribe"); f != nil {
		return f.(SinkSubscribeFunc)()
	}
	s.t.Helper()
	s.t.Error("unexpected Subscribe call")
	return nil
}

// AddAck adds a one-shot Ack expectation.
func (s *Sink) AddAck(f SinkAckFunc) { s.m.Add("Ack", f) }

// SetAck sets a permanent Ack expectation.
func (s *Sink) SetAck(f SinkAckFunc) { s.m.Set("Ack", f) }

// Ack implements clientspulse.Sink.
func (s *Sink) Ack(ctx context.Context, e *streaming.Event) error {
	if f := s.m.Next("Ack"); f != nil {
		return f.(SinkAckFunc)(ctx, e)
	}
	s.t.Helper()
	s.t.Error("unexpected Ack call")
	return nil
}

// AddClose adds a one-shot Close expectation.
func (s *Sink) AddClose(f SinkCloseFunc) { s.m.Add("Close", f) }

// SetClose sets a permanent Close expectation.
func (s *Sink) SetClose(f SinkCloseFunc) { s.m.Set("Close", f) }

// Close implements clientspulse.Sink.
func (s *Sink) Close(ctx context.Context) {
	if f := s.m.Next("Close"); f != nil {
		f.(SinkCloseFunc)(ctx)
		return
	}
	s.t.Helper()
	s.t.Error("unexpected Close call")
}

// HasMore returns true if there are expectations left to consume.
func (s *Sink) HasMore() bool { return s.m.HasMore() }
