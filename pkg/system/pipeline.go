package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// pipelineState is the execution-side record of one pipeline.
type pipelineState struct {
	failed  bool
	results map[string]actions.ResultState
}

// PipelineSet executes pipelined actions against a Target and keeps the
// fail-forward state of every open pipeline. It is used by the in-process
// systems and by the worker.
type PipelineSet struct {
	mu        sync.Mutex
	pipelines map[string]*pipelineState
	metrics   *telemetry.Metrics
}

// NewPipelineSet creates an empty set. metrics may be nil.
func NewPipelineSet(metrics *telemetry.Metrics) *PipelineSet {
	return &PipelineSet{
		pipelines: make(map[string]*pipelineState),
		metrics:   metrics,
	}
}

func (s *PipelineSet) get(id string) *pipelineState {
	st, ok := s.pipelines[id]
	if !ok {
		st = &pipelineState{results: make(map[string]actions.ResultState)}
		s.pipelines[id] = st
	}
	return st
}

// Execute runs action as part of the pipeline named by info.
//
// If the pipeline has failed, the action is marked failed without running and
// an error is returned. If the gate is unsatisfied the action is marked
// skipped. Otherwise it runs; a run error marks the pipeline failed.
func (s *PipelineSet) Execute(ctx context.Context, t actions.Target, a actions.Action, info PipelineInfo) error {
	s.mu.Lock()
	st := s.get(info.ID)
	failed := st.failed
	open := st.satisfied(info.When)
	s.mu.Unlock()

	m := a.Meta()
	m.ClearResult()
	if failed {
		s.record(info.ID, m, actions.StateFailed)
		return engine.NewExecutionError("failed because a previous action failed in the same pipeline", nil).
			WithCode(engine.ErrCodePipelineFailed).
			WithAction(actions.DisplayName(a))
	}
	if !open {
		s.record(info.ID, m, actions.StateSkipped)
		return nil
	}

	err := Execute(ctx, t, a, s.metrics)
	s.record(info.ID, m, m.State)
	if err != nil {
		s.mu.Lock()
		s.get(info.ID).failed = true
		s.mu.Unlock()
		s.metrics.RecordPipelineFailure()
		return err
	}
	return nil
}

func (s *PipelineSet) record(id string, m *actions.Base, state actions.ResultState) {
	m.State = state
	s.mu.Lock()
	s.get(id).results[m.ID] = state
	s.mu.Unlock()
}

// Failed reports whether the pipeline is in the failed state.
func (s *PipelineSet) Failed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pipelines[id]
	return ok && st.failed
}

// Reset clears the failed state of a pipeline.
func (s *PipelineSet) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.pipelines[id]; ok {
		st.failed = false
	}
}

// Close forgets a pipeline. Closing an unknown pipeline is a no-op.
func (s *PipelineSet) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, id)
}

// satisfied reports whether every gate entry names an executed action whose
// result state is listed.
func (st *pipelineState) satisfied(when map[string][]string) bool {
	for id, states := range when {
		got, ok := st.results[id]
		if !ok {
			return false
		}
		match := false
		for _, want := range states {
			if string(got) == want {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// Execute runs one action outside of any pipeline, filling in its state and
// elapsed time. Results of an earlier run are cleared first. Errors are annotated with the action name when they carry
// none.
func Execute(ctx context.Context, t actions.Target, a actions.Action, metrics *telemetry.Metrics) error {
	m := a.Meta()
	m.ClearResult()
	start := time.Now()
	err := a.Run(ctx, t)
	m.Elapsed = time.Since(start)

	switch {
	case err != nil:
		m.State = actions.StateFailed
	case m.Changed:
		m.State = actions.StateChanged
	default:
		m.State = actions.StateUnchanged
	}
	metrics.RecordAction(kindOf(a), string(m.State), m.Elapsed)

	if err != nil {
		var e *engine.EngineError
		if errors.As(err, &e) {
			if e.Action == "" {
				e.WithAction(actions.DisplayName(a))
			}
			return err
		}
		return engine.NewExecutionError("action failed", err).
			WithCode(engine.ErrCodeActionFailed).
			WithAction(actions.DisplayName(a))
	}
	return nil
}

func kindOf(a actions.Action) string {
	tag, err := actions.Default.TagOf(a)
	if err != nil {
		return "unknown"
	}
	return tag
}
