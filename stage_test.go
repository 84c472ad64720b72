package planogram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, inv Invoker) *stageRunner {
	t.Helper()
	comparer, err := NewFeedbackComparer(inv, nil, quietLog)
	require.NoError(t, err)
	return &stageRunner{
		invoker:           inv,
		comparer:          comparer,
		composer:          NewComposer(),
		log:               quietLog,
		timeout:           time.Second,
		problemConfidence: DefaultProblemConfidence,
		now:               time.Now,
	}
}

func stageInput(t *testing.T, cfg StageConfig, text string) StageInput {
	t.Helper()
	tpl, err := ParseTemplate(text)
	require.NoError(t, err)
	return StageInput{
		Config:          cfg,
		Template:        tpl,
		Images:          []*Part{NewImagePart([]byte("img"), "image/png")},
		Iteration:       1,
		ComparisonModel: "judge",
	}
}

func quotaErr(model string) error {
	return &InvocationError{Model: model, Kind: ErrQuotaExceeded, Err: errors.New("429 Too Many Requests")}
}

func TestStageRunner_SequentialRefinement(t *testing.T) {
	inv := NewScriptedInvoker().
		On("m1", ScriptedReply{Payload: map[string]any{"shelves": 3, "top": "Cola"}, Cost: 0.01}).
		On("m2", ScriptedReply{Payload: map[string]any{"shelves": 3, "top": "Fanta"}, Cost: 0.02}).
		OnFeedback(ScriptedReply{Payload: map[string]any{
			"mismatches": []any{map[string]any{
				"location": "shelf 1", "issue": "wrong-position", "confidence": 0.9, "severity": "high", "detail": "Cola",
			}},
			"overall_alignment": 0.5,
		}, Cost: 0.005})

	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})
	in := stageInput(t, StageConfig{Name: "structure", CandidateModels: []string{"m1", "m2"}},
		"Extract shelves.{?problem_areas}\nProblems:\n{problem_areas}{/problem_areas}{?previous_result}\nPrevious: {previous_result}{/previous_result}")

	res, err := r.run(context.Background(), state, in)
	require.NoError(t, err)

	assert.Equal(t, "m2", res.Model, "later model is authoritative")
	assert.Equal(t, "Fanta", res.Payload["top"])
	require.Len(t, res.Feedback, 1)
	require.NotNil(t, res.Alignment)
	assert.Equal(t, 0.5, *res.Alignment)
	assert.InDelta(t, 0.6*0.5+0.4*0.5, res.Score, 1e-9)
	assert.InDelta(t, 0.035, res.Cost, 1e-9)
	assert.InDelta(t, 0.035, state.Cost, 1e-9)
	assert.False(t, res.Partial)

	require.Len(t, state.Attempts, 2)
	assert.NotNil(t, state.Attempts[0].Feedback)

	first := inv.CallsTo("m1")[0].Prompt
	assert.Equal(t, "Extract shelves.", first)
	second := inv.CallsTo("m2")[0].Prompt
	assert.Contains(t, second, "wrong-position at shelf 1")
	assert.Contains(t, second, `"top": "Cola"`)
}

func TestStageRunner_ConfiguredFallbackOncePerModel(t *testing.T) {
	inv := NewScriptedInvoker().
		On("m1", ScriptedReply{Err: quotaErr("m1")}).
		On("m1b", ScriptedReply{Payload: map[string]any{"shelves": 4, "confidence": 0.8}, Cost: 0.01})

	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})
	in := stageInput(t, StageConfig{
		Name:            "structure",
		CandidateModels: []string{"m1"},
		Fallbacks:       map[string]string{"m1": "m1b"},
	}, "Extract")

	res, err := r.run(context.Background(), state, in)
	require.NoError(t, err)
	assert.Equal(t, "m1b", res.Model)
	assert.Equal(t, 0.8, res.Score)

	require.Len(t, state.Attempts, 2)
	assert.Contains(t, state.Attempts[0].Error, "quota_exceeded")
	assert.True(t, state.Attempts[1].Fallback)
	assert.Len(t, inv.CallsTo("m1"), 1, "failed model is not retried")
}

func TestStageRunner_NextCandidateActsAsFallback(t *testing.T) {
	inv := NewScriptedInvoker().
		On("m1", ScriptedReply{Err: quotaErr("m1")}).
		On("m2", ScriptedReply{Payload: map[string]any{"shelves": 4}})

	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})
	in := stageInput(t, StageConfig{Name: "structure", CandidateModels: []string{"m1", "m2"}}, "Extract")

	res, err := r.run(context.Background(), state, in)
	require.NoError(t, err)
	assert.Equal(t, "m2", res.Model)
	assert.Empty(t, res.Feedback, "no comparison without a successful earlier output")
	assert.True(t, state.Attempts[1].Fallback)
}

func TestStageRunner_AllCandidatesFail(t *testing.T) {
	inv := NewScriptedInvoker().
		On("m1", ScriptedReply{Err: quotaErr("m1")}).
		On("m1b", ScriptedReply{Raw: []byte("not json")}).
		On("m2", ScriptedReply{Err: errors.New("connection reset")})

	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})
	in := stageInput(t, StageConfig{
		Name:            "structure",
		CandidateModels: []string{"m1", "m2"},
		Fallbacks:       map[string]string{"m1": "m1b"},
	}, "Extract")

	_, err := r.run(context.Background(), state, in)
	var mie *ModelInvocationError
	require.True(t, errors.As(err, &mie), "got %v", err)
	assert.Equal(t, "structure", mie.Stage)
	require.Len(t, mie.Failures, 3)
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.ErrorIs(t, err, ErrInvalidOutput)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestStageRunner_SchemaRejectionIsInvalidOutput(t *testing.T) {
	schema, err := BuildSchema("structure", []FieldDefinition{{Name: "shelves", Kind: KindInteger, Required: true}}, quietLog)
	require.NoError(t, err)

	inv := NewScriptedInvoker().
		On("m1", ScriptedReply{Payload: map[string]any{"shelves": 3, "aisle": "7"}, Cost: 0.01}).
		On("m2", ScriptedReply{Payload: map[string]any{"shelves": 3}, Cost: 0.01})

	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})
	in := stageInput(t, StageConfig{Name: "structure", CandidateModels: []string{"m1", "m2"}}, "Extract")
	in.Schema = schema

	res, err := r.run(context.Background(), state, in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"shelves": 3.0}, res.Payload)
	assert.Contains(t, state.Attempts[0].Error, "invalid_output")
	assert.InDelta(t, 0.02, state.Cost, 1e-9, "rejected output still costs")
}

func TestStageRunner_BudgetStopsBeforeNextCall(t *testing.T) {
	inv := NewScriptedInvoker().
		On("m1", ScriptedReply{Payload: map[string]any{"shelves": 3}, Cost: 0.6}).
		On("m2", ScriptedReply{Payload: map[string]any{"shelves": 3}, Cost: 0.6})

	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 0.5, MaxIterations: 1})
	in := stageInput(t, StageConfig{Name: "structure", CandidateModels: []string{"m1", "m2"}}, "Extract")

	res, err := r.run(context.Background(), state, in)
	assert.ErrorIs(t, err, errBudgetStop)
	require.NotNil(t, res)
	assert.True(t, res.Partial)
	assert.Equal(t, "m1", res.Model)
	assert.Empty(t, inv.CallsTo("m2"))
	assert.Empty(t, inv.CallsTo("judge"), "comparison is a model call and is skipped too")
	assert.Equal(t, 0.6, state.Cost)
}

func TestStageRunner_CancelledBeforeFirstCall(t *testing.T) {
	inv := NewScriptedInvoker().On("m1", ScriptedReply{Payload: map[string]any{"a": 1}})
	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.run(ctx, state, stageInput(t, StageConfig{Name: "s", CandidateModels: []string{"m1"}}, "Extract"))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, inv.Calls)
}

// blockingInvoker cancels the run while its call is in flight.
type blockingInvoker struct {
	cancel context.CancelFunc
	calls  int
}

func (b *blockingInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	b.calls++
	b.cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{Raw: []byte(`{"shelves": 2}`), Cost: 0.1}, nil
}

func TestStageRunner_InFlightCallCompletesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &blockingInvoker{cancel: cancel}
	r := newTestRunner(t, inv)
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})

	res, err := r.run(ctx, state, stageInput(t, StageConfig{Name: "s", CandidateModels: []string{"m1", "m2"}}, "Extract"))
	assert.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, res, "the finished call's output is kept")
	assert.Equal(t, 1, inv.calls, "no new call starts after cancellation")
	assert.Equal(t, 0.1, state.Cost)
}

// slowInvoker never answers before its context ends.
type slowInvoker struct{}

func (slowInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStageRunner_TimeoutIsTransportFailure(t *testing.T) {
	r := newTestRunner(t, slowInvoker{})
	r.timeout = 10 * time.Millisecond
	state := newRunState("run", &Budget{MaxCost: 1, MaxIterations: 1})

	_, err := r.run(context.Background(), state, stageInput(t, StageConfig{Name: "s", CandidateModels: []string{"m1"}}, "Extract"))
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrNoCandidates)
}
