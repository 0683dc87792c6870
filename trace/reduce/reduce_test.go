package reduce

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracefold/runtrace/trace"
	"github.com/tracefold/runtrace/trace/event"
)

var base = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func env(t *testing.T, kind event.Kind, stepIndex *int, payload any) event.Envelope {
	t.Helper()
	e := event.Envelope{
		Kind:      kind,
		RunID:     "r1",
		StepIndex: stepIndex,
		Timestamp: base,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		e.Payload = data
	}
	return e
}

func intp(i int) *int { return &i }

func planned(t *testing.T, descriptions ...string) *trace.Run {
	t.Helper()
	r := trace.NewRun("r1")
	require.NoError(t, Apply(r, env(t, event.KindRunStarted, nil, nil)))
	steps := make([]trace.PlanStep, len(descriptions))
	for i, d := range descriptions {
		steps[i] = trace.PlanStep{ToolName: "tool-" + d, Description: d}
	}
	require.NoError(t, Apply(r, env(t, event.KindPlanCreated, nil, event.PlanPayload{
		Objective: "test objective",
		Steps:     steps,
	})))
	return r
}

func TestRunLifecycle(t *testing.T) {
	r := trace.NewRun("r1")
	require.Equal(t, trace.StatusPending, r.Status)
	require.Equal(t, -1, r.CurrentStepIndex)

	require.NoError(t, Apply(r, env(t, event.KindRunStarted, nil, nil)))
	require.Equal(t, trace.StatusPlanning, r.Status)
	require.Equal(t, trace.PhasePlanning, r.Phase)
	require.Equal(t, base, r.StartedAt)

	require.NoError(t, Apply(r, env(t, event.KindPlanCreated, nil, event.PlanPayload{
		Objective: "ship it",
		Steps: []trace.PlanStep{
			{ToolName: "search", Description: "research"},
			{ToolName: "write", Description: "draft"},
			{ToolName: "check", Description: "review"},
		},
	})))
	require.Len(t, r.Steps, 3)
	require.Equal(t, -1, r.CurrentStepIndex)
	require.True(t, r.Steps[0].Expanded)
	require.False(t, r.Steps[1].Expanded)
	require.Equal(t, &trace.Progress{Current: 0, Total: 3}, r.Progress)

	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.Equal(t, trace.StatusRunning, r.Status)
	require.Equal(t, trace.PhaseExecuting, r.Phase)
	require.Equal(t, 0, r.CurrentStepIndex)
	require.Equal(t, trace.StepRunning, r.Steps[0].Status)

	require.NoError(t, Apply(r, env(t, event.KindToolCallStarted, intp(0), event.ToolCallPayload{ToolName: "search"})))
	require.NoError(t, Apply(r, env(t, event.KindToolCallSucceeded, intp(0), event.ToolCallPayload{ToolName: "search", DurationMS: 1200})))
	require.Len(t, r.Steps[0].ToolCalls, 1)
	require.Equal(t, trace.CallSucceeded, r.Steps[0].ToolCalls[0].Status)
	require.Equal(t, 1200*time.Millisecond, r.Steps[0].ToolCalls[0].Elapsed)

	require.NoError(t, Apply(r, env(t, event.KindStepCompleted, intp(0), event.StepPayload{Output: "found sources"})))
	require.Equal(t, trace.StepCompleted, r.Steps[0].Status)
	require.Equal(t, "found sources", r.Steps[0].Output)
	require.Equal(t, 1, r.Progress.Current)
	require.InDelta(t, 100.0/3, r.Progress.Percentage, 0.01)

	require.NoError(t, Apply(r, env(t, event.KindVerificationPassed, nil, event.VerificationPayload{Message: "lgtm"})))
	require.Equal(t, trace.StatusVerifying, r.Status)
	require.Len(t, r.Verifications, 1)
	require.True(t, r.Verifications[0].Passed)

	require.NoError(t, Apply(r, env(t, event.KindRunCompleted, nil, event.CompletionPayload{Summary: "done"})))
	require.Equal(t, trace.StatusCompleted, r.Status)
	require.Equal(t, trace.PhaseCompleted, r.Phase)
	require.Equal(t, "done", r.Summary)
	require.Equal(t, base, r.CompletedAt)
}

func TestStepEventsBeforePlanAreDropped(t *testing.T) {
	r := trace.NewRun("r1")
	err := Apply(r, env(t, event.KindStepStarted, intp(0), nil))
	require.ErrorIs(t, err, ErrNoStep)
	require.Equal(t, trace.StatusPending, r.Status)
	require.Empty(t, r.Events)
}

func TestUnknownStepIndexIsDropped(t *testing.T) {
	r := planned(t, "a", "b", "c")
	before := len(r.Events)
	err := Apply(r, env(t, event.KindStepCompleted, intp(99), nil))
	require.ErrorIs(t, err, ErrNoStep)
	require.Len(t, r.Events, before)
	require.Equal(t, -1, r.CurrentStepIndex)
	for _, s := range r.Steps {
		require.Equal(t, trace.StepPending, s.Status)
	}
}

func TestToolCallsBeforeStepStartedStillLink(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindToolCallStarted, intp(0), event.ToolCallPayload{ToolName: "search"})))
	require.NoError(t, Apply(r, env(t, event.KindToolCallSucceeded, intp(0), event.ToolCallPayload{ToolName: "search"})))
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))

	require.Equal(t, trace.StepRunning, r.Steps[0].Status)
	require.Len(t, r.Steps[0].ToolCalls, 1)
	call := r.Steps[0].ToolCalls[0]
	require.Equal(t, trace.CallSucceeded, call.Status)
	require.GreaterOrEqual(t, call.Duration(), time.Duration(0))
}

func TestUnknownAndControlKindsAreNoOps(t *testing.T) {
	r := planned(t, "a")
	snapshot := r.Clone()
	require.NoError(t, Apply(r, env(t, event.Kind("totally_new_kind"), nil, nil)))
	require.NoError(t, Apply(r, env(t, event.KindHeartbeat, nil, nil)))
	require.NoError(t, Apply(r, env(t, event.KindSubscribed, nil, nil)))
	require.Equal(t, snapshot, r)
}

func TestDuplicateTerminalEventIsIdempotent(t *testing.T) {
	r := planned(t, "a")
	done := env(t, event.KindRunCompleted, nil, event.CompletionPayload{Summary: "done"})
	require.NoError(t, Apply(r, done))
	first := r.Clone()
	require.NoError(t, Apply(r, done))
	// The duplicate is recorded in the raw log but the derived state is
	// unchanged.
	first.Events = r.Events
	require.Equal(t, first, r)
}

func TestDuplicateToolCallTerminalDoesNotGrowHistory(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.NoError(t, Apply(r, env(t, event.KindToolCallStarted, intp(0), event.ToolCallPayload{ToolName: "search"})))
	done := env(t, event.KindToolCallSucceeded, intp(0), event.ToolCallPayload{ToolName: "search"})
	require.NoError(t, Apply(r, done))
	require.NoError(t, Apply(r, done))
	require.Len(t, r.Steps[0].ToolCalls, 1)
	require.Equal(t, trace.CallSucceeded, r.Steps[0].ToolCalls[0].Status)
}

func TestDuplicatePlanKeepsStepProgress(t *testing.T) {
	r := planned(t, "a", "b")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.NoError(t, Apply(r, env(t, event.KindStepCompleted, intp(0), nil)))

	require.NoError(t, Apply(r, env(t, event.KindPlanCreated, nil, event.PlanPayload{
		Steps: []trace.PlanStep{
			{ToolName: "tool-a", Description: "a refined"},
			{ToolName: "tool-b", Description: "b"},
		},
	})))
	require.Equal(t, trace.StepCompleted, r.Steps[0].Status)
	require.Equal(t, "a refined", r.Steps[0].Description)
	require.Equal(t, 0, r.CurrentStepIndex)
}

func TestReplanWithDifferentShapeRebuildsSteps(t *testing.T) {
	r := planned(t, "a", "b")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(1), nil)))
	require.NoError(t, Apply(r, env(t, event.KindPlanCreated, nil, event.PlanPayload{
		Steps: []trace.PlanStep{
			{Description: "x"},
			{Description: "y"},
			{Description: "z"},
		},
	})))
	require.Len(t, r.Steps, 3)
	require.Equal(t, -1, r.CurrentStepIndex)
	require.Equal(t, trace.StepPending, r.Steps[1].Status)
}

func TestToolCallHistoryIsBoundedDropOldest(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	total := MaxToolCallsPerStep + 25
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("tool-%d", i)
		require.NoError(t, Apply(r, env(t, event.KindToolCallStarted, intp(0), event.ToolCallPayload{ToolName: name})))
	}
	calls := r.Steps[0].ToolCalls
	require.Len(t, calls, MaxToolCallsPerStep)
	require.Equal(t, fmt.Sprintf("tool-%d", total-MaxToolCallsPerStep), calls[0].ToolName)
	require.Equal(t, fmt.Sprintf("tool-%d", total-1), calls[len(calls)-1].ToolName)
}

func TestRunEventLogIsBounded(t *testing.T) {
	r := planned(t, "a")
	for i := 0; i < MaxRunEvents+50; i++ {
		require.NoError(t, Apply(r, env(t, event.KindProgress, nil, event.ProgressPayload{Current: i})))
	}
	require.Len(t, r.Events, MaxRunEvents)
}

func TestLoopedToolCallsCloseMostRecentFirst(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.NoError(t, Apply(r, env(t, event.KindToolCallStarted, intp(0), event.ToolCallPayload{ToolName: "search"})))
	require.NoError(t, Apply(r, env(t, event.KindToolCallStarted, intp(0), event.ToolCallPayload{ToolName: "search"})))
	require.NoError(t, Apply(r, env(t, event.KindToolCallFailed, intp(0), event.ToolCallPayload{ToolName: "search", Error: "timeout"})))

	calls := r.Steps[0].ToolCalls
	require.Len(t, calls, 2)
	require.Equal(t, trace.CallStarted, calls[0].Status)
	require.Equal(t, trace.CallFailed, calls[1].Status)
	require.Equal(t, "timeout", calls[1].Error)
}

func TestOutputChunksAppendOthersReplace(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))

	require.NoError(t, Apply(r, env(t, event.KindToolOutputChunk, nil, event.OutputPayload{Output: "hello "})))
	require.NoError(t, Apply(r, env(t, event.KindToolOutputChunk, nil, event.OutputPayload{Output: "world"})))
	require.Equal(t, "hello world", r.Steps[0].Output)

	require.NoError(t, Apply(r, env(t, event.KindToolOutput, nil, event.OutputPayload{Output: "final"})))
	require.Equal(t, "final", r.Steps[0].Output)

	require.NoError(t, Apply(r, env(t, event.KindShellOutput, nil, event.OutputPayload{Output: "$ ls", Stream: "stdout"})))
	require.Equal(t, "$ ls", r.Steps[0].Output)
}

func TestOutputWithoutCursorIsDropped(t *testing.T) {
	r := planned(t, "a")
	err := Apply(r, env(t, event.KindToolOutput, nil, event.OutputPayload{Output: "orphan"}))
	require.ErrorIs(t, err, ErrNoStep)
}

func TestEnvelopeIndexWinsOverPayloadIndex(t *testing.T) {
	r := planned(t, "a", "b")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(1), event.StepPayload{Index: intp(0)})))
	require.Equal(t, trace.StepRunning, r.Steps[1].Status)
	require.Equal(t, trace.StepPending, r.Steps[0].Status)
	require.Equal(t, 1, r.CurrentStepIndex)
}

func TestPayloadIndexUsedWhenEnvelopeOmitsIt(t *testing.T) {
	r := planned(t, "a", "b")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, nil, event.StepPayload{Index: intp(1)})))
	require.Equal(t, trace.StepRunning, r.Steps[1].Status)
	require.Equal(t, 1, r.CurrentStepIndex)
}

func TestStepRetryCycle(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.NoError(t, Apply(r, env(t, event.KindStepFailed, intp(0), event.StepPayload{Error: "boom"})))
	require.Equal(t, trace.StepFailed, r.Steps[0].Status)
	require.Equal(t, "boom", r.Steps[0].Error)

	require.NoError(t, Apply(r, env(t, event.KindStepRetried, intp(0), nil)))
	require.Equal(t, trace.StepRetrying, r.Steps[0].Status)

	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.Equal(t, trace.StepRunning, r.Steps[0].Status)
}

func TestArtifactsDedupeByName(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))

	art := event.ArtifactPayload{Artifact: trace.Artifact{Name: "report.md"}, Index: intp(0)}
	require.NoError(t, Apply(r, env(t, event.KindArtifactCreated, nil, art)))
	require.NoError(t, Apply(r, env(t, event.KindArtifactReady, nil, event.ArtifactPayload{
		Artifact: trace.Artifact{Name: "report.md", MimeType: "text/markdown", Size: 2048},
		Index:    intp(0),
	})))
	require.Len(t, r.Artifacts, 1)
	require.Len(t, r.Steps[0].Artifacts, 1)
}

func TestArtifactWithoutIndexStaysRunScoped(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.NoError(t, Apply(r, env(t, event.KindArtifactCreated, nil, event.ArtifactPayload{
		Artifact: trace.Artifact{Name: "notes.txt"},
	})))
	require.Len(t, r.Artifacts, 1)
	require.Empty(t, r.Steps[0].Artifacts)
}

func TestAgentDelegationLifecycle(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindAgentDelegated, nil, event.AgentPayload{Name: "researcher", Task: "find sources"})))
	require.NotNil(t, r.ActiveAgent)
	require.Equal(t, "researcher", r.ActiveAgent.Name)
	require.Len(t, r.DelegatedAgents, 1)

	// Re-delegating the same agent does not duplicate the roster entry.
	require.NoError(t, Apply(r, env(t, event.KindAgentDelegated, nil, event.AgentPayload{Name: "researcher"})))
	require.Len(t, r.DelegatedAgents, 1)

	require.NoError(t, Apply(r, env(t, event.KindAgentCompleted, nil, event.AgentPayload{Name: "researcher"})))
	require.Nil(t, r.ActiveAgent)
	require.True(t, r.DelegatedAgents[0].Completed)
}

func TestLegacyStreamMatchesNamedStream(t *testing.T) {
	apply := func(t *testing.T, envs []event.Envelope) *trace.Run {
		r := trace.NewRun("r1")
		for _, e := range envs {
			require.NoError(t, Apply(r, e))
		}
		return r
	}

	plan := event.PlanPayload{Steps: []trace.PlanStep{{ToolName: "search", Description: "a"}}}
	named := apply(t, []event.Envelope{
		env(t, event.KindRunStarted, nil, nil),
		env(t, event.KindPlanCreated, nil, plan),
		env(t, event.KindStepStarted, intp(0), nil),
		env(t, event.KindToolCallStarted, intp(0), event.ToolCallPayload{ToolName: "search"}),
		env(t, event.KindToolCallSucceeded, intp(0), event.ToolCallPayload{ToolName: "search"}),
		env(t, event.KindRunCompleted, nil, event.CompletionPayload{Summary: "ok"}),
	})
	legacy := apply(t, []event.Envelope{
		env(t, event.KindTaskStart, nil, nil),
		env(t, event.KindPlanGenerated, nil, plan),
		env(t, event.KindStepStarted, intp(0), nil),
		env(t, event.KindToolCall, nil, event.ToolCallPayload{ToolName: "search", Status: "started", Index: intp(0)}),
		env(t, event.KindToolCall, nil, event.ToolCallPayload{ToolName: "search", Status: "succeeded", Index: intp(0)}),
		env(t, event.KindRunDone, nil, event.CompletionPayload{Summary: "ok"}),
	})

	// The raw logs keep the original kind names; the derived state matches.
	legacy.Events = named.Events
	legacy.Steps[0].Events = named.Steps[0].Events
	require.Equal(t, named, legacy)
}

func TestLegacyToolCallRunningStatus(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindStepStarted, intp(0), nil)))
	require.NoError(t, Apply(r, env(t, event.KindToolCall, nil, event.ToolCallPayload{ToolName: "search", Status: "started"})))
	require.NoError(t, Apply(r, env(t, event.KindToolCall, nil, event.ToolCallPayload{ToolName: "search", Status: "running"})))
	require.Len(t, r.Steps[0].ToolCalls, 1)
	require.Equal(t, trace.CallRunning, r.Steps[0].ToolCalls[0].Status)
}

func TestMalformedPayloadLeavesRunUnchanged(t *testing.T) {
	r := planned(t, "a")
	snapshot := r.Clone()
	bad := event.Envelope{
		Kind:      event.KindPlanCreated,
		RunID:     "r1",
		Timestamp: base,
		Payload:   json.RawMessage(`{"steps":"not-an-array"}`),
	}
	require.Error(t, Apply(r, bad))
	require.Equal(t, snapshot, r)
}

func TestRunFailedRecordsError(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindRunFailed, nil, event.FailurePayload{Error: "model quota exceeded"})))
	require.Equal(t, trace.StatusFailed, r.Status)
	require.Equal(t, trace.PhaseFailed, r.Phase)
	require.Equal(t, "model quota exceeded", r.Error)
}

func TestRunCancelled(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindCancelled, nil, nil)))
	require.Equal(t, trace.StatusCancelled, r.Status)
	require.Equal(t, base, r.CompletedAt)
}

func TestProgressReplacedWholesale(t *testing.T) {
	r := planned(t, "a", "b")
	require.NoError(t, Apply(r, env(t, event.KindProgress, nil, event.ProgressPayload{Current: 1, Total: 4, Percentage: 25})))
	require.Equal(t, &trace.Progress{Current: 1, Total: 4, Percentage: 25}, r.Progress)
}

func TestMemoryEvents(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindMemoryLoaded, nil, event.MemoryPayload{Keys: []string{"prefs"}, Count: 1})))
	require.NoError(t, Apply(r, env(t, event.KindMemorySaved, nil, event.MemoryPayload{Count: 2})))
	require.Len(t, r.MemoryEvents, 2)
	require.Equal(t, "loaded", r.MemoryEvents[0].Type)
	require.Equal(t, "saved", r.MemoryEvents[1].Type)
}

func TestCitationsAccumulate(t *testing.T) {
	r := planned(t, "a")
	require.NoError(t, Apply(r, env(t, event.KindCitationsAdded, nil, event.CitationsPayload{
		Citations: []trace.Citation{{URL: "https://example.com/a"}},
	})))
	require.NoError(t, Apply(r, env(t, event.KindCitationsAdded, nil, event.CitationsPayload{
		Citations: []trace.Citation{{URL: "https://example.com/b"}},
	})))
	require.Len(t, r.Citations, 2)
}
