package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dcshock/genpipe/events"
	"github.com/dcshock/genpipe/step"
)

// ErrAwaitingInput is returned by Run when the run suspends for external
// input: in interactive mode after each stage, or when a stage reports
// StatusAwaitingInput. The run is suspended, not failed. State.StageIndex
// already points at the next stage to execute; resume by calling Run again
// (or feed the next stage through SubmitResult).
var ErrAwaitingInput = errors.New("pipeline awaiting external input")

// IsAwaitingInput reports whether err marks a suspended interactive run.
func IsAwaitingInput(err error) bool { return errors.Is(err, ErrAwaitingInput) }

// ErrCancelled is returned when the run's cancellation flag was observed at a
// stage boundary. State keeps every output recorded so far.
var ErrCancelled = errors.New("pipeline run cancelled")

// Spec declares one slot in a runner's stage list. FanOut > 1 runs that many
// independent instances of the stage against the same input and records the
// successes as candidates. Timeout overrides the run's per-stage timeout.
type Spec struct {
	Stage   Stage
	FanOut  int
	Timeout time.Duration
}

// Observer receives hooks around run and stage execution so callers can
// persist run state at defined checkpoints. Hook errors on the before side
// abort the run; on the after side they surface only when the run itself
// succeeded.
type Observer interface {
	BeforeRun(ctx context.Context, runID, name string, st *State) error
	AfterRun(ctx context.Context, runID string, st *State, runErr error) error
	BeforeStage(ctx context.Context, runID string, index int, stage string) error
	AfterStage(ctx context.Context, runID string, index int, stage string, res *StageResult) error
}

// MultiObserver combines observers; each hook calls them in order and returns
// the first error.
func MultiObserver(list ...Observer) Observer { return multiObserver(list) }

type multiObserver []Observer

func (m multiObserver) BeforeRun(ctx context.Context, runID, name string, st *State) error {
	for _, o := range m {
		if err := o.BeforeRun(ctx, runID, name, st); err != nil {
			return err
		}
	}
	return nil
}

func (m multiObserver) AfterRun(ctx context.Context, runID string, st *State, runErr error) error {
	for _, o := range m {
		if err := o.AfterRun(ctx, runID, st, runErr); err != nil {
			return err
		}
	}
	return nil
}

func (m multiObserver) BeforeStage(ctx context.Context, runID string, index int, stage string) error {
	for _, o := range m {
		if err := o.BeforeStage(ctx, runID, index, stage); err != nil {
			return err
		}
	}
	return nil
}

func (m multiObserver) AfterStage(ctx context.Context, runID string, index int, stage string, res *StageResult) error {
	for _, o := range m {
		if err := o.AfterStage(ctx, runID, index, stage, res); err != nil {
			return err
		}
	}
	return nil
}

// RunOptions attaches per-run collaborators. All fields are optional.
type RunOptions struct {
	// RunID identifies the run to observers and events; empty generates a UUID.
	RunID string
	// ResumeFrom is the stage index to resume at; -1 (or any negative) means
	// use State.StageIndex. Stages before it are skipped entirely.
	ResumeFrom int
	// Observer receives persistence checkpoints.
	Observer Observer
	// Events receives progress events (stage transitions, fan-out milestones).
	Events events.Publisher
	// Cancelled is the cooperative cancellation flag, checked only at stage
	// boundaries, never mid call.
	Cancelled func() bool
	// Config is the read-only run configuration stages can see.
	Config RunConfig
}

// RunResult summarizes a finished or suspended run.
type RunResult struct {
	RunID string `json:"run_id"`
	// Output is the last successful stage's output (the final result when
	// the run completed).
	Output StageOutput `json:"output"`
	// StagesRun counts stages executed by this Run call (skipped ones excluded).
	StagesRun int `json:"stages_run"`
	// Awaiting names the next stage when the run suspended for input.
	Awaiting string `json:"awaiting,omitempty"`
}

// Runner composes an ordered stage list (with optional fan-out slots) into
// one executable pipeline.
type Runner struct {
	Name  string
	Exec  *step.Executor
	Specs []Spec
}

// Len returns the number of stage slots.
func (r *Runner) Len() int { return len(r.Specs) }

// Run executes the stage list against st, starting from the resume point.
// Stages before it are assumed already completed and recorded, so replaying
// the same resume index without new input is a no-op re-skip. In automatic
// mode Run goes to completion or first failure; in interactive mode it
// returns ErrAwaitingInput after the current stage unless it was the last.
func (r *Runner) Run(ctx context.Context, st *State, opts *RunOptions) (*RunResult, error) {
	if st == nil {
		return nil, fmt.Errorf("run %q: nil state", r.Name)
	}
	if opts == nil {
		opts = &RunOptions{ResumeFrom: -1}
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	st.StageCount = len(r.Specs)
	start := opts.ResumeFrom
	if start < 0 {
		start = st.StageIndex
	}
	if start > len(r.Specs) {
		return nil, fmt.Errorf("run %q: resume index %d out of range (%d stages)", r.Name, start, len(r.Specs))
	}

	if opts.Observer != nil {
		if err := opts.Observer.BeforeRun(ctx, runID, r.Name, st); err != nil {
			return nil, fmt.Errorf("before run: %w", err)
		}
	}
	res, err := r.runStages(ctx, st, runID, start, opts)
	if opts.Observer != nil {
		if postErr := opts.Observer.AfterRun(ctx, runID, st, err); postErr != nil && err == nil {
			err = fmt.Errorf("after run: %w", postErr)
		}
	}
	return res, err
}

func (r *Runner) runStages(ctx context.Context, st *State, runID string, start int, opts *RunOptions) (*RunResult, error) {
	result := &RunResult{RunID: runID}
	sc := r.contextAt(st, start, opts.Config)

	// An interactive run never calls the generation service itself: it
	// surfaces the current stage's prompt and waits for a relayed result.
	if st.Mode == ModeInteractive {
		if start < len(r.Specs) {
			result.Awaiting = r.Specs[start].Stage.Name()
			if prev := sc.Prev; prev != nil {
				result.Output = *prev
			}
			return result, ErrAwaitingInput
		}
		if prev := sc.Prev; prev != nil {
			result.Output = *prev
		}
		return result, nil
	}

	for i := start; i < len(r.Specs); i++ {
		if opts.Cancelled != nil && opts.Cancelled() {
			return result, ErrCancelled
		}
		spec := r.Specs[i]
		name := spec.Stage.Name()
		if opts.Observer != nil {
			if err := opts.Observer.BeforeStage(ctx, runID, i, name); err != nil {
				return result, fmt.Errorf("before stage %d: %w", i, err)
			}
		}
		r.publish(opts, events.Event{Type: events.StageStarted, Stage: name, Payload: map[string]any{
			"index": i, "total": len(r.Specs),
		}})

		res, stageErr := r.execSpec(ctx, spec, sc, opts)
		if stageErr != nil && res == nil {
			res = &StageResult{Status: StatusFailed, Err: stageErr.Error()}
		}
		if opts.Observer != nil {
			if postErr := opts.Observer.AfterStage(ctx, runID, i, name, res); postErr != nil && stageErr == nil {
				stageErr = fmt.Errorf("after stage: %w", postErr)
				res = &StageResult{Status: StatusFailed, Err: stageErr.Error()}
			}
		}

		switch res.Status {
		case StatusSuccess:
			st.Outputs[name] = res.Output
			st.StageIndex = i + 1
			out := res.Output
			sc.Prev = &out
			result.Output = res.Output
			result.StagesRun++
			r.publish(opts, events.Event{Type: events.StageCompleted, Stage: name, Payload: map[string]any{
				"index": i, "total": len(r.Specs), "duration_ms": res.Meta.Duration.Milliseconds(),
			}})
		case StatusSkipped:
			// The stage declined to run. Advance past it with Prev
			// unchanged so the next stage sees the last real output.
			st.StageIndex = i + 1
			r.publish(opts, events.Event{Type: events.StageCompleted, Stage: name, Payload: map[string]any{
				"index": i, "total": len(r.Specs), "skipped": true,
			}})
		case StatusAwaitingInput:
			// The stage wants its call relayed externally. Suspend as
			// interactive mode does; resume with ResumeFrom once the
			// response has been fed back through SubmitResult.
			result.Awaiting = name
			return result, ErrAwaitingInput
		default:
			r.publish(opts, events.Event{Type: events.StageFailed, Stage: name, Payload: map[string]any{
				"index": i, "error": res.Err,
			}})
			if stageErr == nil {
				if res.Err == "" {
					stageErr = fmt.Errorf("status %q with no message", res.Status)
				} else {
					stageErr = errors.New(res.Err)
				}
			}
			return result, fmt.Errorf("stage %d (%q): %w", i, name, stageErr)
		}
	}
	return result, nil
}

// execSpec runs one stage slot with its timeout applied (the slot's own, or
// the run-wide per-stage default).
func (r *Runner) execSpec(ctx context.Context, spec Spec, sc *StageContext, opts *RunOptions) (*StageResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = opts.Config.StageTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if spec.FanOut > 1 {
		return r.runFanOut(ctx, spec, sc, opts)
	}
	return safeExecute(ctx, spec.Stage, sc)
}

// runFanOut executes spec.FanOut independent instances of the stage against
// the same input, reports completion milestones, and records the successes as
// an index-stable candidate list on the state. All instances failing fails
// the step; partial success proceeds with the survivors.
func (r *Runner) runFanOut(ctx context.Context, spec Spec, sc *StageContext, opts *RunOptions) (*StageResult, error) {
	n := spec.FanOut
	name := spec.Stage.Name()
	type slot struct {
		idx int
		res *StageResult
		err error
	}
	ch := make(chan slot, n)
	for k := 0; k < n; k++ {
		go func(k int) {
			res, err := safeExecute(ctx, spec.Stage, sc)
			ch <- slot{idx: k, res: res, err: err}
		}(k)
	}

	marks := milestones(n)
	results := make([]*StageResult, n)
	errs := make([]error, 0, n)
	start := time.Now()
	for done := 1; done <= n; done++ {
		s := <-ch
		results[s.idx] = s.res
		if s.err != nil {
			errs = append(errs, fmt.Errorf("instance %d: %w", s.idx, s.err))
		}
		if marks[done] {
			r.publish(opts, events.Event{Type: events.FanOutProgress, Stage: name, Payload: map[string]any{
				"completed": done, "total": n,
			}})
		}
	}

	cands := make([]Candidate, 0, n)
	for k, res := range results {
		if res != nil && res.Status == StatusSuccess {
			cands = append(cands, Candidate{Stage: name, Instance: k, Output: res.Output})
		}
	}
	sc.State.Candidates = cands
	sc.State.FanOutFailures = n - len(cands)
	if len(cands) == 0 {
		err := fmt.Errorf("all %d instances failed: %w", n, errors.Join(errs...))
		return &StageResult{Status: StatusFailed, Err: err.Error(), Meta: Meta{Duration: time.Since(start)}}, err
	}
	// The slot's provisional output is the first surviving candidate; an
	// evaluation stage downstream picks the real winner.
	return &StageResult{
		Status: StatusSuccess,
		Output: cands[0].Output,
		Meta:   Meta{Duration: time.Since(start)},
	}, nil
}

// milestones returns the completion counts at which fan-out progress is
// reported: roughly each third of n, plus n itself.
func milestones(n int) map[int]bool {
	m := map[int]bool{n: true}
	if n >= 3 {
		m[(n+2)/3] = true
		m[(2*n+2)/3] = true
	}
	return m
}

// safeExecute runs one stage invocation, converting panics into failed
// results so nothing escapes past the runner.
func safeExecute(ctx context.Context, stage Stage, sc *StageContext) (res *StageResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %q panicked: %v", stage.Name(), p)
			res = &StageResult{Status: StatusFailed, Err: err.Error()}
		}
	}()
	start := time.Now()
	res, err = stage.Execute(ctx, sc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &StageResult{Status: StatusSuccess}
	}
	if res.Meta.Duration == 0 {
		res.Meta.Duration = time.Since(start)
	}
	return res, nil
}

func (r *Runner) publish(opts *RunOptions, ev events.Event) {
	if opts.Events != nil {
		opts.Events.Publish(ev)
	}
}

// contextAt builds the StageContext for the stage at index, wiring Prev to
// the preceding stage's recorded output.
func (r *Runner) contextAt(st *State, index int, cfg RunConfig) *StageContext {
	sc := &StageContext{State: st, Exec: r.Exec, Config: cfg}
	if index > 0 && index <= len(r.Specs) {
		if out, ok := st.Outputs[r.Specs[index-1].Stage.Name()]; ok {
			sc.Prev = &out
		}
	}
	return sc
}

// ContextFor builds the StageContext for the state's current stage. Used by
// callers that render prompts or parse relayed results outside a Run call.
func (r *Runner) ContextFor(st *State) *StageContext {
	return r.contextAt(st, st.StageIndex, RunConfig{})
}

// RenderPrompt returns the externally presentable request for the state's
// current stage. The stage must implement PromptRenderer or InputBuilder.
func (r *Runner) RenderPrompt(st *State) (*Prompt, error) {
	if st.StageIndex >= len(r.Specs) {
		return nil, fmt.Errorf("run %q: all %d stages complete", r.Name, len(r.Specs))
	}
	stage := r.Specs[st.StageIndex].Stage
	sc := r.ContextFor(st)
	switch s := stage.(type) {
	case PromptRenderer:
		return s.RenderPrompt(sc)
	case InputBuilder:
		req, err := s.BuildInput(sc)
		if err != nil {
			return nil, err
		}
		return &Prompt{Stage: stage.Name(), Request: req}, nil
	default:
		return nil, fmt.Errorf("stage %q does not support interactive relay", stage.Name())
	}
}

// SubmitResult validates and records a human-relayed raw response for the
// state's current stage, advancing the resumption checkpoint on success. The
// named stage must be the current one; the response is parsed exactly as an
// automatic one would be.
func (r *Runner) SubmitResult(st *State, stageName, raw string) (*StageResult, error) {
	if st.StageIndex >= len(r.Specs) {
		return nil, fmt.Errorf("run %q: all %d stages complete", r.Name, len(r.Specs))
	}
	stage := r.Specs[st.StageIndex].Stage
	if stage.Name() != stageName {
		return nil, fmt.Errorf("stage %q is not current (expecting %q)", stageName, stage.Name())
	}
	parser, ok := stage.(ResultParser)
	if !ok {
		return nil, fmt.Errorf("stage %q does not accept relayed results", stageName)
	}
	res, err := parser.ParseResult(r.ContextFor(st), raw)
	if err != nil {
		return nil, err
	}
	st.Outputs[stageName] = res.Output
	st.StageIndex++
	st.StageCount = len(r.Specs)
	return res, nil
}

// Done reports whether the state has passed the last stage.
func (r *Runner) Done(st *State) bool { return st.StageIndex >= len(r.Specs) }
