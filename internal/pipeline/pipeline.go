// Package pipeline implements the Pipeline Engine (spec.md §4.3):
// composing Swarm operations into an ordered, typed sequence sharing one
// pipeline-run identity and a single event stream. Grounded on the
// teacher's chained-step workflow engine in the deleted
// internal/workflow tree, rebuilt here against internal/swarm's
// Map/Filter/Reduce contract.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/logging"
	"github.com/kandev/kandev-core/internal/swarm"
)

// StepKind is the closed set of step shapes a Pipeline can chain
// (spec.md §4.3).
type StepKind string

const (
	StepMap    StepKind = "map"
	StepFilter StepKind = "filter"
	StepReduce StepKind = "reduce"
)

// EmitSelector controls what a filter step forwards to the next step
// (spec.md §4.3, default "success").
type EmitSelector string

const (
	EmitSuccess  EmitSelector = "success"
	EmitFiltered EmitSelector = "filtered"
	EmitAll      EmitSelector = "all"
)

// EventKind is the closed set of events a Pipeline run emits.
type EventKind string

const (
	EventStepStart       EventKind = "stepStart"
	EventStepComplete    EventKind = "stepComplete"
	EventStepError       EventKind = "stepError"
	EventItemRetry       EventKind = "itemRetry"
	EventWorkerComplete  EventKind = "workerComplete"
	EventVerifierComplete EventKind = "verifierComplete"
	EventCandidateComplete EventKind = "candidateComplete"
	EventJudgeComplete   EventKind = "judgeComplete"
)

// Event is one pipeline-run event, annotated with the step it originated
// from (spec.md §4.3 step 4's "each annotated with stepName").
type Event struct {
	Kind          EventKind
	StepName      string
	StepIndex     int
	PipelineRunID string
	Error         string
	Results       []swarm.ItemResult
}

// Listener receives Pipeline events in emission order.
type Listener func(Event)

// mapFn/filterFn/reduceFn adapt a pipeline step's configuration into a
// single call against a *swarm.Swarm — built by the caller of Add* so the
// Pipeline package itself never constructs Builders or item lists.
type mapFn func(ctx context.Context, sw *swarm.Swarm, swarmTag string, opts swarm.OpOptions) ([]swarm.ItemResult, error)
type filterFn func(ctx context.Context, sw *swarm.Swarm, swarmTag string, opts swarm.OpOptions) ([]swarm.ItemResult, error)
type reduceFn func(ctx context.Context, sw *swarm.Swarm, swarmTag string, opts swarm.OpOptions) (swarm.ItemResult, error)

type step struct {
	kind     StepKind
	name     string
	emit     EmitSelector
	runMap   mapFn
	runFilt  filterFn
	runRed   reduceFn
}

// Pipeline is a linked list of step records built by chainable methods
// (spec.md §4.3). A Pipeline must not have anything appended after a
// Reduce step; AddMap/AddFilter return an error if called on an
// already-terminated Pipeline.
type Pipeline struct {
	sw        *swarm.Swarm
	swarmTag  string
	steps     []step
	terminal  bool
	listeners []Listener
	logger    *logging.Logger
}

// New builds an empty Pipeline driving ops through sw, tagged swarmTag.
func New(sw *swarm.Swarm, swarmTag string, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Default()
	}
	return &Pipeline{sw: sw, swarmTag: swarmTag, logger: log.WithFields(zap.String("component", "pipeline"))}
}

// On registers a Listener for every event this Pipeline's Run emits.
func (p *Pipeline) On(listener Listener) {
	p.listeners = append(p.listeners, listener)
}

func (p *Pipeline) emit(evt Event) {
	for _, l := range p.listeners {
		l(evt)
	}
}

// AddMap appends a map step. fn is expected to close over the step's
// items and Builder and simply invoke sw.Map with the opts it's handed.
func (p *Pipeline) AddMap(name string, fn mapFn) error {
	if p.terminal {
		return fmt.Errorf("pipeline: cannot append step %q after a terminal reduce step", name)
	}
	p.steps = append(p.steps, step{kind: StepMap, name: name, runMap: fn})
	return nil
}

// AddFilter appends a filter step. emit selects which of the step's items
// Run reports in its stepComplete event and returned StepResult (it does
// not affect what fn itself computes); an empty emit defaults to
// "success". Run does not pass any step's results to the next step.
func (p *Pipeline) AddFilter(name string, emit EmitSelector, fn filterFn) error {
	if p.terminal {
		return fmt.Errorf("pipeline: cannot append step %q after a terminal reduce step", name)
	}
	if emit == "" {
		emit = EmitSuccess
	}
	p.steps = append(p.steps, step{kind: StepFilter, name: name, emit: emit, runFilt: fn})
	return nil
}

// AddReduce appends a reduce step. Reduce is terminal: any further
// AddMap/AddFilter/AddReduce call fails (spec.md §4.3 step 5).
func (p *Pipeline) AddReduce(name string, fn reduceFn) error {
	if p.terminal {
		return fmt.Errorf("pipeline: cannot append step %q after a terminal reduce step", name)
	}
	p.steps = append(p.steps, step{kind: StepReduce, name: name, runRed: fn})
	p.terminal = true
	return nil
}

// StepResult is what Run returns for one step — whichever of Items or
// Reduced is populated depends on the step's kind.
type StepResult struct {
	Name    string
	Kind    StepKind
	Items   []swarm.ItemResult
	Reduced *swarm.ItemResult
}

// Run executes every step in order, generating one pipelineRunId shared
// across all of them (spec.md §4.3 steps 1-3), emitting stepStart/
// stepComplete/stepError, and stopping at the first stepError.
func (p *Pipeline) Run(ctx context.Context) ([]StepResult, error) {
	runID := uuid.NewString()
	results := make([]StepResult, 0, len(p.steps))

	for idx, st := range p.steps {
		opts := swarm.OpOptions{PipelineRunID: runID, PipelineStepIndex: idx}
		p.emit(Event{Kind: EventStepStart, StepName: st.name, StepIndex: idx, PipelineRunID: runID})

		switch st.kind {
		case StepMap:
			items, err := st.runMap(ctx, p.sw, p.swarmTag, opts)
			if err != nil {
				p.emit(Event{Kind: EventStepError, StepName: st.name, StepIndex: idx, PipelineRunID: runID, Error: err.Error()})
				return results, fmt.Errorf("pipeline: step %q (map): %w", st.name, err)
			}
			p.emit(Event{Kind: EventStepComplete, StepName: st.name, StepIndex: idx, PipelineRunID: runID, Results: items})
			results = append(results, StepResult{Name: st.name, Kind: StepMap, Items: items})

		case StepFilter:
			items, err := st.runFilt(ctx, p.sw, p.swarmTag, opts)
			if err != nil {
				p.emit(Event{Kind: EventStepError, StepName: st.name, StepIndex: idx, PipelineRunID: runID, Error: err.Error()})
				return results, fmt.Errorf("pipeline: step %q (filter): %w", st.name, err)
			}
			forwarded := selectEmitted(items, st.emit)
			p.emit(Event{Kind: EventStepComplete, StepName: st.name, StepIndex: idx, PipelineRunID: runID, Results: forwarded})
			results = append(results, StepResult{Name: st.name, Kind: StepFilter, Items: forwarded})

		case StepReduce:
			reduced, err := st.runRed(ctx, p.sw, p.swarmTag, opts)
			if err != nil {
				p.emit(Event{Kind: EventStepError, StepName: st.name, StepIndex: idx, PipelineRunID: runID, Error: err.Error()})
				return results, fmt.Errorf("pipeline: step %q (reduce): %w", st.name, err)
			}
			p.emit(Event{Kind: EventStepComplete, StepName: st.name, StepIndex: idx, PipelineRunID: runID, Results: []swarm.ItemResult{reduced}})
			results = append(results, StepResult{Name: st.name, Kind: StepReduce, Reduced: &reduced})
		}
	}

	return results, nil
}

func selectEmitted(items []swarm.ItemResult, emit EmitSelector) []swarm.ItemResult {
	if emit == EmitAll {
		return items
	}
	wantStatus := swarm.StatusSuccess
	if emit == EmitFiltered {
		wantStatus = swarm.StatusFiltered
	}
	out := make([]swarm.ItemResult, 0, len(items))
	for _, item := range items {
		if item.Status == wantStatus {
			out = append(out, item)
		}
	}
	return out
}
