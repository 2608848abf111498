package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dcshock/genpipe/gen"
	"github.com/dcshock/genpipe/step"
)

// Stage is one unit of pipeline work. Execute reads anything it likes from
// the StageContext but must not write State fields outside its own designated
// slot; the runner records the returned result. Returning an error is
// equivalent to returning a failed StageResult: the runner converts it.
type Stage interface {
	Name() string
	Execute(ctx context.Context, sc *StageContext) (*StageResult, error)
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, sc *StageContext) (*StageResult, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Execute(ctx context.Context, sc *StageContext) (*StageResult, error) {
	return s.Fn(ctx, sc)
}

// InputBuilder is implemented by stages that can say what they would send to
// the generation service, independently of sending it.
type InputBuilder interface {
	BuildInput(sc *StageContext) (gen.Request, error)
}

// Prompt is the externally presentable form of a stage's request, for
// interactive mode: everything a human needs to relay the call manually.
type Prompt struct {
	Stage        string      `json:"stage"`
	Request      gen.Request `json:"request"`
	Instructions string      `json:"instructions,omitempty"`
}

// PromptRenderer is implemented by stages that support interactive relay.
type PromptRenderer interface {
	RenderPrompt(sc *StageContext) (*Prompt, error)
}

// ResultParser is implemented by stages that can validate and parse a raw
// externally produced response exactly as they would an automatic one.
type ResultParser interface {
	ParseResult(sc *StageContext, raw string) (*StageResult, error)
}

// RunConfig is the read-only per-run configuration visible to stages.
type RunConfig struct {
	// StageTimeout bounds each stage invocation. Zero means no per-stage
	// deadline beyond the run's context.
	StageTimeout time.Duration
}

// StageContext is a stage's window onto the run: the shared State, the step
// executor for external calls, the output of the immediately preceding stage,
// and the run configuration.
type StageContext struct {
	State  *State
	Exec   *step.Executor
	Prev   *StageOutput
	Config RunConfig
}

// GenStage is a Stage that issues one generation call through the step
// executor. Build produces the request from the run state; Decode optionally
// parses the response's text into structured output.
type GenStage struct {
	StageName string
	// Dep is the circuit-breaker key for the backing service. Empty means "gen".
	Dep    string
	Model  string
	System string
	Build  func(sc *StageContext) (gen.Request, error)
	Decode step.DecodeFunc
}

func (s *GenStage) Name() string { return s.StageName }

func (s *GenStage) dep() string {
	if s.Dep == "" {
		return "gen"
	}
	return s.Dep
}

// BuildInput implements InputBuilder, applying the stage's default model and
// system prompt when Build left them empty.
func (s *GenStage) BuildInput(sc *StageContext) (gen.Request, error) {
	if s.Build == nil {
		return gen.Request{}, fmt.Errorf("stage %q: no input builder", s.StageName)
	}
	req, err := s.Build(sc)
	if err != nil {
		return gen.Request{}, fmt.Errorf("stage %q: build input: %w", s.StageName, err)
	}
	if req.Model == "" {
		req.Model = s.Model
	}
	if req.System == "" {
		req.System = s.System
	}
	return req, nil
}

// RenderPrompt implements PromptRenderer.
func (s *GenStage) RenderPrompt(sc *StageContext) (*Prompt, error) {
	req, err := s.BuildInput(sc)
	if err != nil {
		return nil, err
	}
	return &Prompt{Stage: s.StageName, Request: req}, nil
}

// Execute implements Stage: one executor-mediated call, the response text
// (plus decoded output) as the stage's output.
func (s *GenStage) Execute(ctx context.Context, sc *StageContext) (*StageResult, error) {
	req, err := s.BuildInput(sc)
	if err != nil {
		return nil, err
	}
	res, err := sc.Exec.Do(ctx, s.dep(), req, s.Decode)
	if err != nil {
		return nil, err
	}
	return &StageResult{
		Status: StatusSuccess,
		Output: StageOutput{Text: res.Response.Text, Data: res.Output},
		Meta:   metaFrom(res),
	}, nil
}

// ParseResult implements ResultParser: a human-relayed raw response goes
// through the same decoder as an automatic one.
func (s *GenStage) ParseResult(sc *StageContext, raw string) (*StageResult, error) {
	out := StageOutput{Text: raw}
	if s.Decode != nil {
		data, err := s.Decode(&gen.Response{Text: raw, Provider: "manual"})
		if err != nil {
			return nil, &step.PermanentError{Dep: s.dep(), Err: fmt.Errorf("parse relayed response: %w", err)}
		}
		out.Data = data
	}
	return &StageResult{
		Status: StatusSuccess,
		Output: out,
		Meta:   Meta{Provider: "manual"},
	}, nil
}

// metaFrom extracts measurement metadata from an executor result.
func metaFrom(res *step.Result) Meta {
	m := Meta{Duration: res.Duration}
	if res.Response != nil {
		m.Provider = res.Response.Provider
		m.Model = res.Response.Model
		m.PromptTokens = res.Response.Usage.PromptTokens
		m.CompletionTokens = res.Response.Usage.CompletionTokens
	}
	return m
}
