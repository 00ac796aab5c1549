package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev-core/internal/logging"
	"github.com/kandev/kandev-core/internal/swarm"
)

func fakeMapStep(items []swarm.ItemResult, err error) mapFn {
	return func(ctx context.Context, sw *swarm.Swarm, swarmTag string, opts swarm.OpOptions) ([]swarm.ItemResult, error) {
		if err != nil {
			return nil, err
		}
		out := make([]swarm.ItemResult, len(items))
		for i, it := range items {
			it.Meta.PipelineRunID = opts.PipelineRunID
			it.Meta.PipelineStepIndex = opts.PipelineStepIndex
			out[i] = it
		}
		return out, nil
	}
}

func fakeFilterStep(items []swarm.ItemResult) filterFn {
	return func(ctx context.Context, sw *swarm.Swarm, swarmTag string, opts swarm.OpOptions) ([]swarm.ItemResult, error) {
		return items, nil
	}
}

func fakeReduceStep(result swarm.ItemResult, err error) reduceFn {
	return func(ctx context.Context, sw *swarm.Swarm, swarmTag string, opts swarm.OpOptions) (swarm.ItemResult, error) {
		return result, err
	}
}

func TestPipelineRunsStepsInOrderAndEmitsEvents(t *testing.T) {
	sw := swarm.New(2, logging.Default())
	p := New(sw, "tag", nil)

	require.NoError(t, p.AddMap("score", fakeMapStep([]swarm.ItemResult{
		{Index: 0, Status: swarm.StatusSuccess},
		{Index: 1, Status: swarm.StatusSuccess},
	}, nil)))
	require.NoError(t, p.AddFilter("keep-high-score", EmitSuccess, fakeFilterStep([]swarm.ItemResult{
		{Index: 0, Status: swarm.StatusSuccess},
	})))
	require.NoError(t, p.AddReduce("summarize", fakeReduceStep(swarm.ItemResult{Status: swarm.StatusSuccess}, nil)))

	var kinds []EventKind
	p.On(func(evt Event) { kinds = append(kinds, evt.Kind) })

	results, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, []EventKind{
		EventStepStart, EventStepComplete,
		EventStepStart, EventStepComplete,
		EventStepStart, EventStepComplete,
	}, kinds)
}

func TestAppendingStepAfterReduceFails(t *testing.T) {
	sw := swarm.New(2, logging.Default())
	p := New(sw, "tag", nil)

	require.NoError(t, p.AddReduce("summarize", fakeReduceStep(swarm.ItemResult{}, nil)))
	err := p.AddMap("extra", fakeMapStep(nil, nil))
	assert.Error(t, err)
}

func TestStepErrorStopsPipelineAndEmitsStepError(t *testing.T) {
	sw := swarm.New(2, logging.Default())
	p := New(sw, "tag", nil)

	require.NoError(t, p.AddMap("ok-step", fakeMapStep([]swarm.ItemResult{{Status: swarm.StatusSuccess}}, nil)))
	require.NoError(t, p.AddMap("failing-step", fakeMapStep(nil, assertError{})))
	require.NoError(t, p.AddMap("never-runs", fakeMapStep([]swarm.ItemResult{{Status: swarm.StatusSuccess}}, nil)))

	var kinds []EventKind
	p.On(func(evt Event) { kinds = append(kinds, evt.Kind) })

	results, err := p.Run(context.Background())
	assert.Error(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, []EventKind{EventStepStart, EventStepComplete, EventStepStart, EventStepError}, kinds)
}

// assertError is a trivial error type for step-failure tests.
type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestFilterStepEmitSelectorFiltersOut(t *testing.T) {
	sw := swarm.New(2, logging.Default())
	p := New(sw, "tag", nil)

	require.NoError(t, p.AddFilter("only-filtered", EmitFiltered, fakeFilterStep([]swarm.ItemResult{
		{Index: 0, Status: swarm.StatusSuccess},
		{Index: 1, Status: swarm.StatusFiltered},
	})))

	results, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Items, 1)
	assert.Equal(t, swarm.StatusFiltered, results[0].Items[0].Status)
}
