// Package pulse implements the trace stream source over Pulse (Redis
// streams). Each run's events are published on the stream named
// "run/<run id>"; the source opens a consumer group per subscription,
// decodes each frame into an envelope, and acks frames after delivery.
package pulse

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"goa.design/clue/log"

	clientspulse "github.com/tracefold/runtrace/features/stream/pulse/clients/pulse"
	"github.com/tracefold/runtrace/trace/event"
	"github.com/tracefold/runtrace/trace/subscribe"
)

var errMissingClient = errors.New("pulse client is required")

type (
	// SourceOptions configures a Pulse-backed source.
	SourceOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "runtrace" plus a per-source suffix so two engine instances do
		// not share a consumer group.
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Source consumes Pulse streams and emits trace envelopes. It
	// implements subscribe.Source.
	Source struct {
		client   clientspulse.Client
		sinkName string
		buffer   int

		dropLog rate.Sometimes
	}
)

// NewSource constructs a Pulse-backed source. The Client field in opts is
// required.
func NewSource(opts SourceOptions) (*Source, error) {
	if opts.Client == nil {
		return nil, errMissingClient
	}
	name := opts.SinkName
	if name == "" {
		name = "runtrace-" + uuid.NewString()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Source{
		client:   opts.Client,
		sinkName: name,
		buffer:   buffer,
		dropLog:  rate.Sometimes{First: 3, Interval: time.Second},
	}, nil
}

// StreamName returns the Pulse stream carrying the run's events.
func StreamName(runID string) string { return "run/" + runID }

// Subscribe implements subscribe.Source. It opens a sink on the run's
// stream and spawns a goroutine that decodes and emits frames. Malformed
// frames are logged and dropped without disturbing the subscription; only
// transport-level failures surface on the error channel. The returned
// cancel function stops consumption and closes the sink.
func (s *Source) Subscribe(ctx context.Context, runID string) (<-chan event.Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.sinkName)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan event.Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, runID, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads raw frames from the Pulse sink, decodes them, and emits
// envelopes on the out channel. Frames are acked after emission so an
// engine crash replays unacked frames (at-least-once; the reducer is built
// for duplicate terminal delivery). Closes both channels on teardown or
// when the sink channel closes.
func (s *Source) consume(ctx context.Context, runID string, sink clientspulse.Sink, out chan<- event.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := event.Decode(evt.Payload)
			if err != nil {
				s.dropLog.Do(func() {
					log.Debug(ctx, log.KV{K: "msg", V: "malformed frame dropped"},
						log.KV{K: "run_id", V: runID},
						log.KV{K: "err", V: err.Error()})
				})
				if ackErr := sink.Ack(ctx, evt); ackErr != nil {
					errs <- ackErr
					return
				}
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- ackErr
				return
			}
		}
	}
}

var _ subscribe.Source = (*Source)(nil)
