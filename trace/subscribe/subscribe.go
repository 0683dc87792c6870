// Package subscribe manages live push-channel subscriptions: at most one
// connection per run identifier, routing decoded frames into the registry
// and tracking coarse connection health.
//
// The manager is deliberately decoupled from any rendering lifecycle.
// Whoever owns "is this run currently of interest" calls Subscribe and
// Unsubscribe; headless tests subscribe against a fake Source and inject
// frames without a UI.
//
// A transport outage is not evidence that the remote task failed: connection
// errors update the subscription's health snapshot and never touch the run's
// own status or error. The manager does not auto-retry; reconnecting is the
// caller's decision.
package subscribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"goa.design/clue/log"

	"github.com/tracefold/runtrace/trace/event"
	"github.com/tracefold/runtrace/trace/registry"
	"github.com/tracefold/runtrace/trace/tracelog"
)

type (
	// Source opens a push channel for one run. Implementations decode raw
	// frames into envelopes, dropping (never erroring on) malformed frames,
	// and deliver envelopes in the order received on the connection.
	// Transport failures are reported on the error channel; both channels
	// close when the connection ends or the cancel function runs.
	Source interface {
		Subscribe(ctx context.Context, runID string) (<-chan event.Envelope, <-chan error, context.CancelFunc, error)
	}

	// Health is the coarse connection state of one subscription.
	Health struct {
		// Connected reports whether the push channel is believed live.
		Connected bool
		// LastError is the most recent transport error message, if any.
		LastError string
		// LastEventAt is the arrival time of the most recent frame,
		// including control frames.
		LastEventAt time.Time
	}

	// Options configures a Manager.
	Options struct {
		// Source opens per-run push channels. Required.
		Source Source
		// Registry receives every state-affecting envelope. Required.
		Registry *registry.Registry
		// Log, when set, durably records every received state-affecting
		// frame for replay.
		Log tracelog.Store
	}

	// Manager owns the active subscription set.
	Manager struct {
		source   Source
		registry *registry.Registry
		logStore tracelog.Store

		mu   sync.Mutex
		subs map[string]*subscription

		logThrottle rate.Sometimes
	}

	subscription struct {
		id     string
		runID  string
		ctx    context.Context
		cancel context.CancelFunc

		mu     sync.Mutex
		health Health
	}
)

// NewManager constructs a subscription manager. Source and Registry are
// required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Source == nil {
		return nil, errors.New("source is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	return &Manager{
		source:      opts.Source,
		registry:    opts.Registry,
		logStore:    opts.Log,
		subs:        make(map[string]*subscription),
		logThrottle: rate.Sometimes{Interval: time.Second},
	}, nil
}

// Subscribe opens the push channel for the run. It is a no-op when a
// subscription for the run already exists. On success the run is created in
// the registry (if needed) and marked as the active selection.
func (m *Manager) Subscribe(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	m.mu.Lock()
	if _, ok := m.subs[runID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, errs, closeSource, err := m.source.Subscribe(subCtx, runID)
	if err != nil {
		cancel()
		return err
	}

	sub := &subscription{
		id:    uuid.NewString(),
		runID: runID,
		ctx:   subCtx,
		cancel: func() {
			cancel()
			closeSource()
		},
		health: Health{Connected: true},
	}

	m.mu.Lock()
	if _, ok := m.subs[runID]; ok {
		// Lost the race to another Subscribe call; keep the winner.
		m.mu.Unlock()
		sub.cancel()
		return nil
	}
	m.subs[runID] = sub
	m.mu.Unlock()

	m.registry.Ensure(runID)
	m.registry.SetActiveRun(runID)

	go m.consume(sub, events, errs)
	return nil
}

// Unsubscribe tears down the run's subscription immediately. Frames already
// in flight on the network layer are discarded on arrival. Safe to call when
// not subscribed.
func (m *Manager) Unsubscribe(runID string) {
	m.mu.Lock()
	sub, ok := m.subs[runID]
	if ok {
		delete(m.subs, runID)
	}
	m.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Clear unsubscribes the run and deletes it from the registry. If the run
// was the active selection, the selection becomes empty.
func (m *Manager) Clear(runID string) {
	m.Unsubscribe(runID)
	m.registry.Clear(runID)
}

// Health returns the connection health of the run's subscription and whether
// a subscription exists.
func (m *Manager) Health(runID string) (Health, bool) {
	m.mu.Lock()
	sub, ok := m.subs[runID]
	m.mu.Unlock()
	if !ok {
		return Health{}, false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.health, true
}

// Subscribed reports whether a live subscription exists for the run.
func (m *Manager) Subscribed(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[runID]
	return ok
}

// Close tears down every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

// consume drains one subscription's channels until teardown or transport
// end. Each frame is re-checked against the subscription context before it
// is applied so that frames in flight at teardown never reach the reducer.
func (m *Manager) consume(sub *subscription, events <-chan event.Envelope, errs <-chan error) {
	ctx := sub.ctx
	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				events = nil
				sub.setConnected(false, "")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			sub.touch()
			if env.Kind.Control() {
				continue
			}
			m.registry.Apply(ctx, env)
			m.persist(ctx, env)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			sub.setConnected(false, err.Error())
			log.Error(ctx, err, log.KV{K: "msg", V: "stream error"},
				log.KV{K: "run_id", V: sub.runID},
				log.KV{K: "subscription", V: sub.id})
		}
	}
}

// persist tees the frame into the durable trace log when one is configured.
// Persistence failures never interrupt the live view; they are logged at a
// throttled rate.
func (m *Manager) persist(ctx context.Context, env event.Envelope) {
	if m.logStore == nil {
		return
	}
	err := m.logStore.Append(ctx, &tracelog.Event{
		RunID:     env.RunID,
		Kind:      string(env.Kind),
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		m.logThrottle.Do(func() {
			log.Error(ctx, err, log.KV{K: "msg", V: "trace log append failed"},
				log.KV{K: "run_id", V: env.RunID})
		})
	}
}

func (s *subscription) touch() {
	s.mu.Lock()
	s.health.Connected = true
	s.health.LastEventAt = time.Now()
	s.mu.Unlock()
}

func (s *subscription) setConnected(connected bool, lastErr string) {
	s.mu.Lock()
	s.health.Connected = connected
	if lastErr != "" {
		s.health.LastError = lastErr
	}
	s.mu.Unlock()
}
