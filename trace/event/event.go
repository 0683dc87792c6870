// Package event defines the wire schema of the run trace stream: the tagged
// union of every event kind the stream can carry, the typed payload shapes,
// and the envelope decoder used by transports.
//
// The stream delivers named JSON frames with at-least-once semantics. Two
// generations of the protocol coexist: the named-activity kinds (for example
// tool_call_started) and a handful of legacy aliases kept for older emitters
// (task_start, run_done, the status-carrying tool_call kind). Canonical folds
// the aliases so the reducer works from a single transition table.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracefold/runtrace/trace"
)

// Kind names one event type in the stream union.
type Kind string

const (
	// KindRunStarted signals that the remote task has started and is planning.
	KindRunStarted Kind = "run_started"
	// KindPlanCreated carries the plan; it materializes the run's steps.
	KindPlanCreated Kind = "plan_created"
	// KindStepStarted marks a step as running and advances the step cursor.
	KindStepStarted Kind = "step_started"
	// KindStepCompleted marks a step as completed.
	KindStepCompleted Kind = "step_completed"
	// KindStepFailed marks a step as failed with an error message.
	KindStepFailed Kind = "step_failed"
	// KindStepRetried marks a step as retrying after a failure.
	KindStepRetried Kind = "step_retried"
	// KindToolCallStarted opens a new tool call on a step.
	KindToolCallStarted Kind = "tool_call_started"
	// KindToolCallSucceeded closes the matching open tool call successfully.
	KindToolCallSucceeded Kind = "tool_call_succeeded"
	// KindToolCallFailed closes the matching open tool call with an error.
	KindToolCallFailed Kind = "tool_call_failed"
	// KindToolOutput replaces the owning step's output buffer.
	KindToolOutput Kind = "tool_output"
	// KindToolOutputChunk appends a fragment to the owning step's output buffer.
	KindToolOutputChunk Kind = "tool_output_chunk"
	// KindShellOutput replaces the owning step's output buffer with shell output.
	KindShellOutput Kind = "shell_output"
	// KindArtifactCreated announces a named output.
	KindArtifactCreated Kind = "artifact_created"
	// KindArtifactReady announces a named output with mime type and size.
	KindArtifactReady Kind = "artifact_ready"
	// KindCitationsAdded appends source references to the run.
	KindCitationsAdded Kind = "citations_added"
	// KindVerificationPassed records a passing self-check.
	KindVerificationPassed Kind = "verification_passed"
	// KindVerificationFailed records a failing self-check.
	KindVerificationFailed Kind = "verification_failed"
	// KindAgentDelegated hands part of the work to a named sub-agent.
	KindAgentDelegated Kind = "agent_delegated"
	// KindAgentCompleted marks a delegated sub-agent as finished.
	KindAgentCompleted Kind = "agent_completed"
	// KindProgress replaces the run's progress snapshot wholesale.
	KindProgress Kind = "progress"
	// KindMemoryLoaded records a memory load.
	KindMemoryLoaded Kind = "memory_loaded"
	// KindMemorySaved records a memory save.
	KindMemorySaved Kind = "memory_saved"
	// KindRunCompleted terminates the run successfully with a summary.
	KindRunCompleted Kind = "run_completed"
	// KindRunFailed terminates the run with an error.
	KindRunFailed Kind = "run_failed"
	// KindRunCancelled terminates the run as externally cancelled.
	KindRunCancelled Kind = "run_cancelled"
)

// Control kinds carry no state-affecting payload. The subscription manager
// consumes them for connection bookkeeping; the reducer treats them as no-ops.
const (
	// KindSubscribed acknowledges that the push channel is attached.
	KindSubscribed Kind = "subscribed"
	// KindHeartbeat keeps the push channel alive.
	KindHeartbeat Kind = "heartbeat"
)

// Legacy aliases emitted by older stream producers.
const (
	// KindTaskStart is the legacy alias for KindRunStarted.
	KindTaskStart Kind = "task_start"
	// KindPlanGenerated is the legacy alias for KindPlanCreated.
	KindPlanGenerated Kind = "plan_generated"
	// KindRunDone is the legacy alias for KindRunCompleted.
	KindRunDone Kind = "run_done"
	// KindRunError is the legacy alias for KindRunFailed.
	KindRunError Kind = "run_error"
	// KindCancelled is the legacy alias for KindRunCancelled.
	KindCancelled Kind = "cancelled"
	// KindToolCall is the legacy numeric-stream tool event. It carries the
	// call status in its payload instead of the kind name; the reducer folds
	// it onto the tool_call_* transitions so either stream generation
	// produces identical state.
	KindToolCall Kind = "tool_call"
)

// Canonical folds legacy aliases onto their named-activity equivalents.
// KindToolCall is not folded here because its meaning depends on the payload
// status field.
func (k Kind) Canonical() Kind {
	switch k {
	case KindTaskStart:
		return KindRunStarted
	case KindPlanGenerated:
		return KindPlanCreated
	case KindRunDone:
		return KindRunCompleted
	case KindRunError:
		return KindRunFailed
	case KindCancelled:
		return KindRunCancelled
	default:
		return k
	}
}

// Control reports whether the kind is a connection-control frame that never
// mutates run state.
func (k Kind) Control() bool {
	return k == KindSubscribed || k == KindHeartbeat
}

// Terminal reports whether the kind ends the run.
func (k Kind) Terminal() bool {
	switch k.Canonical() {
	case KindRunCompleted, KindRunFailed, KindRunCancelled:
		return true
	default:
		return false
	}
}

type (
	// Envelope is one named frame received from the stream. Kind selects the
	// payload shape; StepIndex, when present, scopes the event to a step.
	Envelope struct {
		// Kind is the event type discriminant.
		Kind Kind `json:"type"`
		// RunID identifies the run the event belongs to.
		RunID string `json:"run_id"`
		// StepIndex scopes the event to a step when present. Activity-style
		// events may omit it and carry an index in their payload instead.
		StepIndex *int `json:"step_index,omitempty"`
		// Timestamp is the producer-side event time.
		Timestamp time.Time `json:"timestamp,omitzero"`
		// Payload is the kind-specific body, decoded on demand.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// PlanPayload carries the plan for KindPlanCreated.
	PlanPayload struct {
		Objective string           `json:"objective,omitempty"`
		Steps     []trace.PlanStep `json:"steps"`
		// TotalSteps seeds the run progress when known; zero means derive
		// from len(Steps).
		TotalSteps int `json:"total_steps,omitempty"`
	}

	// StepPayload carries step lifecycle details for the step_* kinds.
	StepPayload struct {
		// Index duplicates the envelope step index for producers that only
		// set it in the payload.
		Index       *int   `json:"index,omitempty"`
		ToolName    string `json:"tool_name,omitempty"`
		Description string `json:"description,omitempty"`
		Output      string `json:"output,omitempty"`
		Error       string `json:"error,omitempty"`
	}

	// OutputPayload carries an output fragment or whole value for the
	// tool_output, tool_output_chunk and shell_output kinds.
	OutputPayload struct {
		Output string `json:"output"`
		// Stream names the logical channel (stdout, stderr) when known.
		Stream string `json:"stream,omitempty"`
	}

	// ToolCallPayload carries tool invocation details for the tool_call_*
	// kinds and the legacy tool_call kind.
	ToolCallPayload struct {
		ToolName string `json:"tool_name"`
		// Status is only set by the legacy tool_call kind: one of started,
		// running, succeeded, failed.
		Status string `json:"status,omitempty"`
		// Index duplicates the envelope step index for legacy producers.
		Index *int `json:"index,omitempty"`
		// DurationMS is the provider-reported execution time, when carried.
		DurationMS int64  `json:"duration_ms,omitempty"`
		Error      string `json:"error,omitempty"`
	}

	// ArtifactPayload carries the artifact for artifact_created and
	// artifact_ready. The ready variant additionally populates MimeType
	// and Size.
	ArtifactPayload struct {
		trace.Artifact
		// Index duplicates the envelope step index for producers that only
		// set it in the payload.
		Index *int `json:"index,omitempty"`
	}

	// CitationsPayload carries one or more citations for citations_added.
	CitationsPayload struct {
		Citations []trace.Citation `json:"citations"`
	}

	// VerificationPayload carries the self-check message for the
	// verification_* kinds; the pass flag is the kind itself.
	VerificationPayload struct {
		Message string `json:"message,omitempty"`
	}

	// AgentPayload identifies the sub-agent for the agent_* kinds.
	AgentPayload struct {
		Name string `json:"name"`
		Task string `json:"task,omitempty"`
	}

	// ProgressPayload replaces the run progress wholesale.
	ProgressPayload = trace.Progress

	// MemoryPayload carries memory operation details for memory_loaded and
	// memory_saved.
	MemoryPayload struct {
		Keys  []string `json:"keys,omitempty"`
		Count int      `json:"count,omitempty"`
	}

	// CompletionPayload carries the terminal summary for run_completed.
	CompletionPayload struct {
		Summary string `json:"summary,omitempty"`
	}

	// FailurePayload carries the terminal error for run_failed.
	FailurePayload struct {
		Error string `json:"error"`
	}
)

// Decode parses a raw frame into an Envelope after validating it against the
// embedded envelope schema. Transports call Decode on every received frame;
// an error means the frame is malformed and must be dropped, never applied.
func Decode(data []byte) (Envelope, error) {
	if err := validateEnvelope(data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// decodePayload unmarshals the envelope payload into out. A missing payload
// leaves out at its zero value.
func (e Envelope) decodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Plan decodes the payload as a PlanPayload.
func (e Envelope) Plan() (PlanPayload, error) {
	var p PlanPayload
	err := e.decodePayload(&p)
	return p, err
}

// StepDetail decodes the payload as a StepPayload.
func (e Envelope) StepDetail() (StepPayload, error) {
	var p StepPayload
	err := e.decodePayload(&p)
	return p, err
}

// Output decodes the payload as an OutputPayload.
func (e Envelope) Output() (OutputPayload, error) {
	var p OutputPayload
	err := e.decodePayload(&p)
	return p, err
}

// ToolCall decodes the payload as a ToolCallPayload.
func (e Envelope) ToolCall() (ToolCallPayload, error) {
	var p ToolCallPayload
	err := e.decodePayload(&p)
	return p, err
}

// ArtifactDetail decodes the payload as an ArtifactPayload.
func (e Envelope) ArtifactDetail() (ArtifactPayload, error) {
	var p ArtifactPayload
	err := e.decodePayload(&p)
	return p, err
}

// Citations decodes the payload as a CitationsPayload.
func (e Envelope) Citations() (CitationsPayload, error) {
	var p CitationsPayload
	err := e.decodePayload(&p)
	return p, err
}

// Verification decodes the payload as a VerificationPayload.
func (e Envelope) Verification() (VerificationPayload, error) {
	var p VerificationPayload
	err := e.decodePayload(&p)
	return p, err
}

// Agent decodes the payload as an AgentPayload.
func (e Envelope) Agent() (AgentPayload, error) {
	var p AgentPayload
	err := e.decodePayload(&p)
	return p, err
}

// ProgressDetail decodes the payload as a ProgressPayload.
func (e Envelope) ProgressDetail() (ProgressPayload, error) {
	var p ProgressPayload
	err := e.decodePayload(&p)
	return p, err
}

// Memory decodes the payload as a MemoryPayload.
func (e Envelope) Memory() (MemoryPayload, error) {
	var p MemoryPayload
	err := e.decodePayload(&p)
	return p, err
}

// Completion decodes the payload as a CompletionPayload.
func (e Envelope) Completion() (CompletionPayload, error) {
	var p CompletionPayload
	err := e.decodePayload(&p)
	return p, err
}

// Failure decodes the payload as a FailurePayload.
func (e Envelope) Failure() (FailurePayload, error) {
	var p FailurePayload
	err := e.decodePayload(&p)
	return p, err
}

// Raw converts the envelope into the append-only log entry stored on runs
// and steps.
func (e Envelope) Raw() trace.RawEvent {
	return trace.RawEvent{
		Kind:      string(e.Kind),
		Timestamp: e.Timestamp,
		Payload:   append(json.RawMessage(nil), e.Payload...),
	}
}
