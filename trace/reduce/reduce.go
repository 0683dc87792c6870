// Package reduce implements the state-transition function of the trace
// engine: given a run and one incoming stream event, it produces the next
// run state.
//
// Apply is total over the event kind union (unknown and control kinds are
// no-ops) and idempotent-safe against duplicate delivery of terminal events
// (last write wins, never corruption). Events that reference a step before a
// plan exists, or with an index outside the steps array, are dropped with
// ErrNoStep rather than panicking. One bad event must never take down an
// otherwise healthy run.
package reduce

import (
	"errors"
	"time"

	"github.com/tracefold/runtrace/trace"
	"github.com/tracefold/runtrace/trace/event"
)

// History caps. A single step may invoke a tool in a loop an unbounded
// number of times and a trace may stay open for hours; every per-step and
// per-run sequence that grows with the stream is bounded drop-oldest.
const (
	// MaxToolCallsPerStep caps a step's tool call history.
	MaxToolCallsPerStep = 50
	// MaxStepEvents caps a step's raw event log.
	MaxStepEvents = 200
	// MaxRunEvents caps the run's raw event log.
	MaxRunEvents = 1000
)

// ErrNoStep reports that an event referenced a step that does not exist:
// either no plan has been created yet or the index is out of range. The
// event is dropped; the run is untouched.
var ErrNoStep = errors.New("event references unknown step")

// Apply applies one stream event to the run in place. The caller owns the
// run and must serialize Apply calls per run; the registry does this under
// its lock. Apply never panics on malformed or misordered input: payloads
// that fail to decode and step references that cannot be resolved return an
// error and leave the run unchanged.
func Apply(r *trace.Run, env event.Envelope) error {
	if env.Kind.Control() {
		return nil
	}
	switch env.Kind.Canonical() {
	case event.KindRunStarted:
		return applyRunStarted(r, env)
	case event.KindPlanCreated:
		return applyPlanCreated(r, env)
	case event.KindStepStarted:
		return applyStepStarted(r, env)
	case event.KindStepCompleted, event.KindStepFailed, event.KindStepRetried:
		return applyStepTransition(r, env)
	case event.KindToolCallStarted:
		return applyToolCallStarted(r, env)
	case event.KindToolCallSucceeded, event.KindToolCallFailed:
		return applyToolCallEnded(r, env)
	case event.KindToolCall:
		return applyLegacyToolCall(r, env)
	case event.KindToolOutput, event.KindShellOutput, event.KindToolOutputChunk:
		return applyOutput(r, env)
	case event.KindArtifactCreated, event.KindArtifactReady:
		return applyArtifact(r, env)
	case event.KindCitationsAdded:
		return applyCitations(r, env)
	case event.KindVerificationPassed, event.KindVerificationFailed:
		return applyVerification(r, env)
	case event.KindAgentDelegated:
		return applyAgentDelegated(r, env)
	case event.KindAgentCompleted:
		return applyAgentCompleted(r, env)
	case event.KindProgress:
		return applyProgress(r, env)
	case event.KindMemoryLoaded, event.KindMemorySaved:
		return applyMemory(r, env)
	case event.KindRunCompleted:
		return applyRunCompleted(r, env)
	case event.KindRunFailed:
		return applyRunFailed(r, env)
	case event.KindRunCancelled:
		return applyRunCancelled(r, env)
	default:
		// Unknown kinds are tolerated so newer producers can ship event
		// types before every consumer understands them.
		return nil
	}
}

func applyRunStarted(r *trace.Run, env event.Envelope) error {
	r.Status = trace.StatusPlanning
	r.Phase = trace.PhasePlanning
	if r.StartedAt.IsZero() {
		r.StartedAt = at(env)
	}
	record(r, env)
	return nil
}

func applyPlanCreated(r *trace.Run, env event.Envelope) error {
	pp, err := env.Plan()
	if err != nil {
		return err
	}
	r.Plan = &trace.Plan{
		Objective: pp.Objective,
		Steps:     append([]trace.PlanStep(nil), pp.Steps...),
	}
	if len(r.Steps) == len(pp.Steps) && len(r.Steps) > 0 {
		// Duplicate plan delivery: refresh descriptors without discarding
		// step progress accumulated since the first delivery.
		for i, ps := range pp.Steps {
			r.Steps[i].ToolName = ps.ToolName
			r.Steps[i].Description = ps.Description
		}
	} else {
		steps := make([]*trace.Step, len(pp.Steps))
		for i, ps := range pp.Steps {
			steps[i] = &trace.Step{
				Index:       i,
				ToolName:    ps.ToolName,
				Description: ps.Description,
				Status:      trace.StepPending,
				Expanded:    i == 0,
			}
		}
		r.Steps = steps
		r.CurrentStepIndex = -1
	}
	total := pp.TotalSteps
	if total == 0 {
		total = len(pp.Steps)
	}
	if total > 0 {
		r.Progress = &trace.Progress{Current: 0, Total: total}
	}
	record(r, env)
	return nil
}

func applyStepStarted(r *trace.Run, env event.Envelope) error {
	sp, err := env.StepDetail()
	if err != nil {
		return err
	}
	step := resolveStep(r, env, sp.Index, false)
	if step == nil {
		return ErrNoStep
	}
	r.Status = trace.StatusRunning
	r.Phase = trace.PhaseExecuting
	step.Status = trace.StepRunning
	if step.StartedAt.IsZero() {
		step.StartedAt = at(env)
	}
	if sp.ToolName != "" {
		step.ToolName = sp.ToolName
	}
	if sp.Description != "" {
		step.Description = sp.Description
	}
	r.CurrentStepIndex = step.Index
	record(r, env, step)
	return nil
}

func applyStepTransition(r *trace.Run, env event.Envelope) error {
	sp, err := env.StepDetail()
	if err != nil {
		return err
	}
	step := resolveStep(r, env, sp.Index, true)
	if step == nil {
		return ErrNoStep
	}
	switch env.Kind.Canonical() {
	case event.KindStepCompleted:
		step.Status = trace.StepCompleted
		step.CompletedAt = at(env)
		if sp.Output != "" {
			step.Output = sp.Output
		}
		if r.Progress != nil && step.Index+1 > r.Progress.Current {
			r.Progress.Current = step.Index + 1
			if r.Progress.Total > 0 {
				r.Progress.Percentage = float64(r.Progress.Current) / float64(r.Progress.Total) * 100
			}
		}
	case event.KindStepFailed:
		step.Status = trace.StepFailed
		step.CompletedAt = at(env)
		step.Error = sp.Error
	case event.KindStepRetried:
		step.Status = trace.StepRetrying
	}
	record(r, env, step)
	return nil
}

func applyToolCallStarted(r *trace.Run, env event.Envelope) error {
	tp, err := env.ToolCall()
	if err != nil {
		return err
	}
	step := resolveStep(r, env, tp.Index, true)
	if step == nil {
		return ErrNoStep
	}
	openToolCall(step, tp.ToolName, at(env))
	record(r, env, step)
	return nil
}

func applyToolCallEnded(r *trace.Run, env event.Envelope) error {
	tp, err := env.ToolCall()
	if err != nil {
		return err
	}
	step := resolveStep(r, env, tp.Index, true)
	if step == nil {
		return ErrNoStep
	}
	status := trace.CallSucceeded
	if env.Kind.Canonical() == event.KindToolCallFailed {
		status = trace.CallFailed
	}
	closeToolCall(step, tp, status, at(env))
	record(r, env, step)
	return nil
}

// applyLegacyToolCall folds the status-carrying legacy tool_call kind onto
// the same transitions as the named tool_call_* kinds so either stream
// generation produces identical final state.
func applyLegacyToolCall(r *trace.Run, env event.Envelope) error {
	tp, err := env.ToolCall()
	if err != nil {
		return err
	}
	step := resolveStep(r, env, tp.Index, true)
	if step == nil {
		return ErrNoStep
	}
	switch trace.ToolCallStatus(tp.Status) {
	case trace.CallStarted:
		openToolCall(step, tp.ToolName, at(env))
	case trace.CallRunning:
		if call := openCall(step, tp.ToolName); call != nil {
			call.Status = trace.CallRunning
		}
	case trace.CallSucceeded:
		closeToolCall(step, tp, trace.CallSucceeded, at(env))
	case trace.CallFailed:
		closeToolCall(step, tp, trace.CallFailed, at(env))
	}
	record(r, env, step)
	return nil
}

func applyOutput(r *trace.Run, env event.Envelope) error {
	op, err := env.Output()
	if err != nil {
		return err
	}
	step := resolveStep(r, env, nil, true)
	if step == nil {
		return ErrNoStep
	}
	if env.Kind.Canonical() == event.KindToolOutputChunk {
		step.Output += op.Output
	} else {
		step.Output = op.Output
	}
	record(r, env, step)
	return nil
}

func applyArtifact(r *trace.Run, env event.Envelope) error {
	ap, err := env.ArtifactDetail()
	if err != nil {
		return err
	}
	r.Artifacts = appendArtifact(r.Artifacts, ap.Artifact)
	// Step attribution requires an explicit index: artifacts announced
	// without one belong to the run only, not to whichever step the cursor
	// happens to point at.
	if step := resolveStep(r, env, ap.Index, false); step != nil {
		step.Artifacts = appendArtifact(step.Artifacts, ap.Artifact)
		record(r, env, step)
		return nil
	}
	record(r, env)
	return nil
}

func applyCitations(r *trace.Run, env event.Envelope) error {
	cp, err := env.Citations()
	if err != nil {
		return err
	}
	r.Citations = append(r.Citations, cp.Citations...)
	record(r, env)
	return nil
}

func applyVerification(r *trace.Run, env event.Envelope) error {
	vp, err := env.Verification()
	if err != nil {
		return err
	}
	r.Status = trace.StatusVerifying
	r.Phase = trace.PhaseVerifying
	r.Verifications = append(r.Verifications, trace.Verification{
		Passed:    env.Kind.Canonical() == event.KindVerificationPassed,
		Message:   vp.Message,
		Timestamp: at(env),
	})
	record(r, env)
	return nil
}

func applyAgentDelegated(r *trace.Run, env event.Envelope) error {
	ap, err := env.Agent()
	if err != nil {
		return err
	}
	agent := trace.DelegatedAgent{
		Name:        ap.Name,
		Task:        ap.Task,
		DelegatedAt: at(env),
	}
	r.ActiveAgent = &agent
	known := false
	for _, d := range r.DelegatedAgents {
		if d.Name == ap.Name {
			known = true
			break
		}
	}
	if !known {
		r.DelegatedAgents = append(r.DelegatedAgents, agent)
	}
	record(r, env)
	return nil
}

func applyAgentCompleted(r *trace.Run, env event.Envelope) error {
	ap, err := env.Agent()
	if err != nil {
		return err
	}
	for i := range r.DelegatedAgents {
		if r.DelegatedAgents[i].Name == ap.Name {
			r.DelegatedAgents[i].Completed = true
			r.DelegatedAgents[i].CompletedAt = at(env)
		}
	}
	if r.ActiveAgent != nil && r.ActiveAgent.Name == ap.Name {
		r.ActiveAgent = nil
	}
	record(r, env)
	return nil
}

func applyProgress(r *trace.Run, env event.Envelope) error {
	pp, err := env.ProgressDetail()
	if err != nil {
		return err
	}
	r.Progress = &pp
	record(r, env)
	return nil
}

func applyMemory(r *trace.Run, env event.Envelope) error {
	mp, err := env.Memory()
	if err != nil {
		return err
	}
	kind := "loaded"
	if env.Kind.Canonical() == event.KindMemorySaved {
		kind = "saved"
	}
	r.MemoryEvents = append(r.MemoryEvents, trace.MemoryEvent{
		Type:      kind,
		Keys:      mp.Keys,
		Count:     mp.Count,
		Timestamp: at(env),
	})
	record(r, env)
	return nil
}

func applyRunCompleted(r *trace.Run, env event.Envelope) error {
	cp, err := env.Completion()
	if err != nil {
		return err
	}
	r.Status = trace.StatusCompleted
	r.Phase = trace.PhaseCompleted
	r.CompletedAt = at(env)
	if cp.Summary != "" {
		r.Summary = cp.Summary
	}
	record(r, env)
	return nil
}

func applyRunFailed(r *trace.Run, env event.Envelope) error {
	fp, err := env.Failure()
	if err != nil {
		return err
	}
	r.Status = trace.StatusFailed
	r.Phase = trace.PhaseFailed
	r.CompletedAt = at(env)
	if fp.Error != "" {
		r.Error = fp.Error
	}
	record(r, env)
	return nil
}

func applyRunCancelled(r *trace.Run, env event.Envelope) error {
	r.Status = trace.StatusCancelled
	r.Phase = trace.PhaseCancelled
	r.CompletedAt = at(env)
	record(r, env)
	return nil
}

// resolveStep locates the step an event is scoped to. Resolution order: the
// envelope step index, then an index carried in the event payload, then the
// run's current step cursor for activity-style events that omit both.
// Returns nil when the resolved index does not reference a real step.
func resolveStep(r *trace.Run, env event.Envelope, payloadIndex *int, cursorFallback bool) *trace.Step {
	if env.StepIndex != nil {
		return r.Step(*env.StepIndex)
	}
	if payloadIndex != nil {
		return r.Step(*payloadIndex)
	}
	if cursorFallback {
		return r.Step(r.CurrentStepIndex)
	}
	return nil
}

// openToolCall pushes a new started call onto the step's bounded history.
func openToolCall(step *trace.Step, toolName string, ts time.Time) {
	call := &trace.ToolCall{
		ToolName:  toolName,
		Status:    trace.CallStarted,
		StartedAt: ts,
	}
	step.ToolCalls = appendBounded(step.ToolCalls, call, MaxToolCallsPerStep)
}

// closeToolCall resolves the matching open call with a terminal status. The
// match is the most recently opened call with the same tool name not yet in
// a terminal status, so looped invocations of one tool close in reverse
// start order. When the same tool runs twice concurrently within one step
// the heuristic cannot tell the calls apart; fixing that requires the event
// source to carry a stable call identifier end-to-end. A terminal event with
// no matching open call is dropped: re-closing on duplicate delivery must
// not grow the history.
func closeToolCall(step *trace.Step, tp event.ToolCallPayload, status trace.ToolCallStatus, ts time.Time) {
	call := openCall(step, tp.ToolName)
	if call == nil {
		return
	}
	call.Status = status
	call.CompletedAt = ts
	if tp.DurationMS > 0 {
		call.Elapsed = time.Duration(tp.DurationMS) * time.Millisecond
	} else if !call.StartedAt.IsZero() && !ts.Before(call.StartedAt) {
		call.Elapsed = ts.Sub(call.StartedAt)
	}
	if status == trace.CallFailed {
		call.Error = tp.Error
	}
}

// openCall returns the most recent non-terminal call with the given tool
// name, or nil.
func openCall(step *trace.Step, toolName string) *trace.ToolCall {
	for i := len(step.ToolCalls) - 1; i >= 0; i-- {
		c := step.ToolCalls[i]
		if c.ToolName == toolName && !c.Status.Terminal() {
			return c
		}
	}
	return nil
}

// appendArtifact appends the artifact unless the collection already holds an
// entry with the same name.
func appendArtifact(list []trace.Artifact, a trace.Artifact) []trace.Artifact {
	for _, existing := range list {
		if existing.Name == a.Name {
			return list
		}
	}
	return append(list, a)
}

// record appends the raw envelope to the run's bounded event log and, when a
// step is given, to that step's bounded log as well.
func record(r *trace.Run, env event.Envelope, steps ...*trace.Step) {
	raw := env.Raw()
	r.Events = appendBounded(r.Events, raw, MaxRunEvents)
	for _, s := range steps {
		s.Events = appendBounded(s.Events, raw, MaxStepEvents)
	}
}

// appendBounded appends v and truncates to the most recent max entries.
func appendBounded[T any](list []T, v T, max int) []T {
	list = append(list, v)
	if len(list) <= max {
		return list
	}
	trimmed := make([]T, max)
	copy(trimmed, list[len(list)-max:])
	return trimmed
}

// at returns the event time, falling back to arrival time for producers
// that omit timestamps.
func at(env event.Envelope) time.Time {
	if env.Timestamp.IsZero() {
		return time.Now()
	}
	return env.Timestamp
}
