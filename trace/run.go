// Package trace defines the in-memory model of an agent run trace: one
// long-running autonomous task reconstructed from its execution event stream.
//
// A Run is a derived view. It is never authored directly; it is built up
// incrementally by applying stream events (see trace/reduce) and read through
// registry accessors (see trace/registry). Consumers must treat returned
// snapshots as read-only; use Clone when a private copy is needed.
package trace

import (
	"encoding/json"
	"time"
)

type (
	// Status is the fine-grained run lifecycle state derived from events.
	Status string

	// Phase is the coarse lifecycle bucket used for grouping runs in UIs,
	// independent of fine-grained status.
	Phase string

	// StepStatus is the lifecycle state of a single planned step.
	StepStatus string

	// ToolCallStatus is the lifecycle state of a single tool invocation.
	ToolCallStatus string
)

const (
	// StatusPending indicates the run exists but no event has arrived yet.
	StatusPending Status = "pending"
	// StatusPlanning indicates the remote task is constructing its plan.
	StatusPlanning Status = "planning"
	// StatusRunning indicates at least one step is executing.
	StatusRunning Status = "running"
	// StatusVerifying indicates the task is checking its own results.
	StatusVerifying Status = "verifying"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled externally.
	StatusCancelled Status = "cancelled"
)

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseVerifying Phase = "verifying"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
	StepCancelled StepStatus = "cancelled"
)

const (
	CallStarted   ToolCallStatus = "started"
	CallRunning   ToolCallStatus = "running"
	CallSucceeded ToolCallStatus = "succeeded"
	CallFailed    ToolCallStatus = "failed"
)

type (
	// Run is the full reconstructed state of one autonomous task execution.
	// Identity is the opaque run ID, stable for the run's lifetime.
	Run struct {
		// ID is the opaque run identifier.
		ID string `json:"id"`
		// Status is the fine-grained lifecycle state.
		Status Status `json:"status"`
		// Phase is the coarse lifecycle bucket.
		Phase Phase `json:"phase"`
		// Plan is the task's declared plan, nil until a plan event arrives.
		Plan *Plan `json:"plan,omitempty"`
		// Steps materializes the plan 1:1; created only by plan events.
		Steps []*Step `json:"steps"`
		// Artifacts are run-level outputs, deduplicated by name.
		Artifacts []Artifact `json:"artifacts"`
		// Events is the bounded, append-only raw event log kept for replay
		// and debugging.
		Events []RawEvent `json:"events"`
		// Citations accumulate from citation events in arrival order.
		Citations []Citation `json:"citations"`
		// Verifications records self-check outcomes in arrival order.
		Verifications []Verification `json:"verifications"`
		// MemoryEvents records memory load/save facts in arrival order.
		MemoryEvents []MemoryEvent `json:"memory_events"`
		// ActiveAgent is the currently delegated sub-agent, at most one.
		ActiveAgent *DelegatedAgent `json:"active_agent,omitempty"`
		// DelegatedAgents is the history of every delegation, deduplicated
		// by agent name.
		DelegatedAgents []DelegatedAgent `json:"delegated_agents"`
		// Progress is the latest whole-value progress snapshot.
		Progress *Progress `json:"progress,omitempty"`
		// Summary is the terminal success payload, empty until completion.
		Summary string `json:"summary,omitempty"`
		// Error is the terminal failure payload, empty unless failed.
		Error string `json:"error,omitempty"`
		// StartedAt is set by the first lifecycle event and never moved.
		StartedAt time.Time `json:"started_at,omitzero"`
		// CompletedAt is set by terminal events; last write wins on
		// duplicate delivery.
		CompletedAt time.Time `json:"completed_at,omitzero"`
		// CurrentStepIndex is the cursor of the most recently started step.
		// It is -1 until a step starts and must not be dereferenced before
		// a plan exists.
		CurrentStepIndex int `json:"current_step_index"`
	}

	// Plan is the objective plus ordered step descriptors declared by the task.
	Plan struct {
		// Objective is the task's stated goal.
		Objective string `json:"objective"`
		// Steps are the planned step descriptors, in execution order.
		Steps []PlanStep `json:"steps"`
	}

	// PlanStep describes one planned unit of work before execution begins.
	PlanStep struct {
		// ToolName is the primary tool the step intends to use.
		ToolName string `json:"tool_name"`
		// Description is the human-readable intent of the step.
		Description string `json:"description"`
	}

	// Step is one planned unit of work within a run. Identity is the
	// positional index within the plan, stable once assigned. Steps are
	// created only as a side effect of plan creation, never standalone.
	Step struct {
		// Index is the position of the step within the plan.
		Index int `json:"index"`
		// ToolName is the primary tool used by the step.
		ToolName string `json:"tool_name"`
		// Description is the human-readable intent of the step.
		Description string `json:"description"`
		// Status is the step lifecycle state.
		Status StepStatus `json:"status"`
		// StartedAt is set when the step first starts and never moved.
		StartedAt time.Time `json:"started_at,omitzero"`
		// CompletedAt is set when the step reaches a terminal state.
		CompletedAt time.Time `json:"completed_at,omitzero"`
		// Output is the accumulating output text buffer. Chunk events
		// append to it; whole-value events replace it.
		Output string `json:"output,omitempty"`
		// Error is the step failure message when Status is failed.
		Error string `json:"error,omitempty"`
		// Artifacts are outputs produced while this step was active,
		// deduplicated by name.
		Artifacts []Artifact `json:"artifacts"`
		// Events is the bounded raw event log scoped to this step.
		Events []RawEvent `json:"events"`
		// ToolCalls is the bounded (drop-oldest) tool invocation history.
		ToolCalls []*ToolCall `json:"tool_calls"`
		// Expanded is a UI-only flag; true by default only for step 0.
		Expanded bool `json:"expanded"`
	}

	// ToolCall is one invocation of a tool inside a step. There is no stable
	// call identifier carried end-to-end in all event kinds; within a step a
	// call is identified as "most recent call with this tool name not yet in
	// a terminal status".
	ToolCall struct {
		// ToolName identifies the invoked tool.
		ToolName string `json:"tool_name"`
		// Status is the call lifecycle state.
		Status ToolCallStatus `json:"status"`
		// StartedAt is when the call was observed to start.
		StartedAt time.Time `json:"started_at,omitzero"`
		// CompletedAt is when the call reached a terminal state.
		CompletedAt time.Time `json:"completed_at,omitzero"`
		// Elapsed is the provided or computed execution duration.
		Elapsed time.Duration `json:"elapsed,omitempty"`
		// Error is the failure message when Status is failed.
		Error string `json:"error,omitempty"`
	}

	// Artifact is a named durable output (document, image, dataset)
	// produced by the run or one of its steps. Identity is Name; each
	// owning collection suppresses a second entry with the same name.
	Artifact struct {
		Name string `json:"name"`
		Type string `json:"type,omitempty"`
		// URL is an optional download or preview location.
		URL string `json:"url,omitempty"`
		// Data is optional inline content for small artifacts.
		Data json.RawMessage `json:"data,omitempty"`
		MimeType string `json:"mime_type,omitempty"`
		Size     int64  `json:"size,omitempty"`
	}

	// Citation is one source reference attached to the run.
	Citation struct {
		Title   string `json:"title,omitempty"`
		URL     string `json:"url"`
		Snippet string `json:"snippet,omitempty"`
	}

	// Verification records one self-check outcome reported by the task.
	Verification struct {
		Passed    bool      `json:"passed"`
		Message   string    `json:"message,omitempty"`
		Timestamp time.Time `json:"timestamp,omitzero"`
	}

	// MemoryEvent records a memory load or save reported by the task.
	MemoryEvent struct {
		// Type is "loaded" or "saved".
		Type      string    `json:"type"`
		Keys      []string  `json:"keys,omitempty"`
		Count     int       `json:"count,omitempty"`
		Timestamp time.Time `json:"timestamp,omitzero"`
	}

	// DelegatedAgent is a named sub-process the run handed part of its work to.
	DelegatedAgent struct {
		// Name identifies the sub-agent.
		Name string `json:"name"`
		// Task is the delegated objective, when reported.
		Task string `json:"task,omitempty"`
		// Completed reports whether the delegation has finished.
		Completed bool `json:"completed"`
		// DelegatedAt is when the delegation was observed.
		DelegatedAt time.Time `json:"delegated_at,omitzero"`
		// CompletedAt is when the delegation was observed to finish.
		CompletedAt time.Time `json:"completed_at,omitzero"`
	}

	// Progress is a whole-value progress snapshot; each progress event
	// replaces the previous one.
	Progress struct {
		Current    int     `json:"current"`
		Total      int     `json:"total"`
		Percentage float64 `json:"percentage"`
		Message    string  `json:"message,omitempty"`
	}

	// RawEvent is one raw, timestamped fact received from the event stream,
	// kept append-only for audit and replay. It is never mutated or removed
	// except when the whole run is cleared or the bounded log drops its
	// oldest entries.
	RawEvent struct {
		Kind      string          `json:"kind"`
		Timestamp time.Time       `json:"timestamp,omitzero"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// NewRun constructs an empty run with all fields at safe defaults. Runs are
// created implicitly the first time a subscription opens for their ID or an
// event referencing them arrives, whichever happens first.
func NewRun(id string) *Run {
	return &Run{
		ID:               id,
		Status:           StatusPending,
		CurrentStepIndex: -1,
	}
}

// Terminal reports whether the run has reached a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Terminal reports whether the step has reached a terminal status.
// Retrying is not terminal: the step is expected to run again.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

// Terminal reports whether the tool call has resolved.
func (s ToolCallStatus) Terminal() bool {
	return s == CallSucceeded || s == CallFailed
}

// Step returns the step at index, or nil when the index does not reference a
// real entry. Callers use this instead of indexing Steps directly so events
// carrying bogus indexes can be dropped without panicking.
func (r *Run) Step(index int) *Step {
	if index < 0 || index >= len(r.Steps) {
		return nil
	}
	return r.Steps[index]
}

// Duration returns the wall-clock time the step has been (or was) running,
// and false when the step has not started.
func (s *Step) Duration() (time.Duration, bool) {
	if s.StartedAt.IsZero() {
		return 0, false
	}
	end := s.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt), true
}

// Duration returns the call's elapsed time. It prefers the duration carried
// by the terminal event and falls back to the observed timestamps.
func (c *ToolCall) Duration() time.Duration {
	if c.Elapsed > 0 {
		return c.Elapsed
	}
	if c.StartedAt.IsZero() || c.CompletedAt.IsZero() {
		return 0
	}
	d := c.CompletedAt.Sub(c.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy of the run. Registry accessors return clones so
// consumers can hold snapshots without aliasing registry-owned state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Plan != nil {
		p := *r.Plan
		p.Steps = append([]PlanStep(nil), r.Plan.Steps...)
		out.Plan = &p
	}
	if r.Steps != nil {
		out.Steps = make([]*Step, len(r.Steps))
		for i, s := range r.Steps {
			out.Steps[i] = s.clone()
		}
	}
	out.Artifacts = cloneArtifacts(r.Artifacts)
	out.Events = cloneRawEvents(r.Events)
	out.Citations = append([]Citation(nil), r.Citations...)
	out.Verifications = append([]Verification(nil), r.Verifications...)
	out.MemoryEvents = cloneMemoryEvents(r.MemoryEvents)
	out.DelegatedAgents = append([]DelegatedAgent(nil), r.DelegatedAgents...)
	if r.ActiveAgent != nil {
		a := *r.ActiveAgent
		out.ActiveAgent = &a
	}
	if r.Progress != nil {
		p := *r.Progress
		out.Progress = &p
	}
	return &out
}

func (s *Step) clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.Artifacts = cloneArtifacts(s.Artifacts)
	out.Events = cloneRawEvents(s.Events)
	if s.ToolCalls != nil {
		out.ToolCalls = make([]*ToolCall, len(s.ToolCalls))
		for i, c := range s.ToolCalls {
			cc := *c
			out.ToolCalls[i] = &cc
		}
	}
	return &out
}

func cloneArtifacts(src []Artifact) []Artifact {
	if src == nil {
		return nil
	}
	out := make([]Artifact, len(src))
	for i, a := range src {
		a.Data = append(json.RawMessage(nil), a.Data...)
		out[i] = a
	}
	return out
}

func cloneRawEvents(src []RawEvent) []RawEvent {
	if src == nil {
		return nil
	}
	out := make([]RawEvent, len(src))
	for i, e := range src {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
		out[i] = e
	}
	return out
}

func cloneMemoryEvents(src []MemoryEvent) []MemoryEvent {
	if src == nil {
		return nil
	}
	out := make([]MemoryEvent, len(src))
	for i, m := range src {
		m.Keys = append([]string(nil), m.Keys...)
		out[i] = m
	}
	return out
}
