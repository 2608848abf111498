package config

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/dcshock/genpipe/gen"
	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/step"
)

// Build assembles a runner from the definition. Stage types in cfg must be
// registered ("" resolves as "generate"); factories run once here, not per
// task.
func Build(reg *Registry, cfg *PipelineConfig, exec *step.Executor) (*pipeline.Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	specs := make([]pipeline.Spec, 0, len(cfg.Stages))
	for i, def := range cfg.Stages {
		typ := def.Type
		if typ == "" {
			typ = "generate"
		}
		factory, ok := reg.Get(typ)
		if !ok {
			return nil, fmt.Errorf("stage %d (%q): type %q not in registry", i, def.Name, typ)
		}
		stage, err := factory(def)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%q): %w", i, def.Name, err)
		}
		specs = append(specs, pipeline.Spec{
			Stage:   stage,
			FanOut:  def.FanOut,
			Timeout: def.Timeout.Duration(),
		})
	}
	return &pipeline.Runner{Name: cfg.Name, Exec: exec, Specs: specs}, nil
}

// promptData is what a stage's prompt template sees.
type promptData struct {
	Input   string
	Prev    *pipeline.StageOutput
	Outputs map[string]pipeline.StageOutput
}

// generateFactory builds a GenStage whose prompt is a text/template over the
// run state. An empty template passes the previous output (or the task input
// for the first stage) through verbatim.
func generateFactory(def StageDef) (pipeline.Stage, error) {
	var tmpl *template.Template
	if def.Prompt != "" {
		var err error
		tmpl, err = template.New(def.Name).Option("missingkey=error").Parse(def.Prompt)
		if err != nil {
			return nil, fmt.Errorf("prompt template: %w", err)
		}
	}
	return &pipeline.GenStage{
		StageName: def.Name,
		Dep:       def.Dep,
		Model:     def.Model,
		System:    def.System,
		Build: func(sc *pipeline.StageContext) (gen.Request, error) {
			if tmpl == nil {
				text := sc.State.Input
				if sc.Prev != nil {
					text = sc.Prev.Text
				}
				return gen.Request{Prompt: text}, nil
			}
			var b strings.Builder
			data := promptData{Input: sc.State.Input, Prev: sc.Prev, Outputs: sc.State.Outputs}
			if err := tmpl.Execute(&b, data); err != nil {
				return gen.Request{}, fmt.Errorf("render prompt: %w", err)
			}
			return gen.Request{Prompt: b.String()}, nil
		},
	}, nil
}

// evaluateFactory builds an EvalStage judging the current candidate set.
func evaluateFactory(def StageDef) (pipeline.Stage, error) {
	if def.FanOut > 1 {
		return nil, fmt.Errorf("evaluate stages cannot fan out")
	}
	return &pipeline.EvalStage{
		StageName: def.Name,
		Dep:       def.Dep,
		Model:     def.Model,
		Criteria:  def.Criteria,
	}, nil
}
