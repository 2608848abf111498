package pipeline

import (
	"time"
)

// Mode selects how a run advances between stages.
type Mode string

const (
	// ModeAutomatic runs every stage back to back, calling the generation
	// service through the step executor.
	ModeAutomatic Mode = "automatic"
	// ModeInteractive suspends at each stage so a human can relay the
	// request to the external system and paste the response back.
	ModeInteractive Mode = "interactive"
)

// Status is a stage invocation's outcome.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusSkipped       Status = "skipped"
	StatusAwaitingInput Status = "awaiting-input"
)

// StageOutput is what one stage produced: the raw text plus any structured
// value its decoder extracted from it.
type StageOutput struct {
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
}

// Candidate is one successful fan-out instance's output, index-stable in
// instance order.
type Candidate struct {
	Stage    string      `json:"stage"`
	Instance int         `json:"instance"`
	Output   StageOutput `json:"output"`
}

// Evaluation records which candidate was selected and why. Anomalous is set
// when the evaluator returned an out-of-range index that was clamped to 0.
type Evaluation struct {
	SelectedIndex int    `json:"selected_index"`
	Rationale     string `json:"rationale"`
	Anomalous     bool   `json:"anomalous,omitempty"`
}

// Meta carries per-invocation measurements: wall time, provider identity,
// and token usage as far as the provider reported it.
type Meta struct {
	Duration         time.Duration `json:"duration"`
	Provider         string        `json:"provider,omitempty"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
}

// StageResult is the immutable outcome of one stage invocation.
type StageResult struct {
	Status Status      `json:"status"`
	Output StageOutput `json:"output"`
	Err    string      `json:"err,omitempty"`
	Meta   Meta        `json:"meta"`
}

// State is the working record threaded through one run's stages. The runner
// owns it: stages read freely but only the runner writes output slots.
// StageIndex is the sole resumption checkpoint; persist the whole struct
// (it is JSON-serializable) between interactive requests.
type State struct {
	Input          string                 `json:"input"`
	Outputs        map[string]StageOutput `json:"outputs"`
	Candidates     []Candidate            `json:"candidates,omitempty"`
	FanOutFailures int                    `json:"fanout_failures,omitempty"`
	Evaluation     *Evaluation            `json:"evaluation,omitempty"`
	StageIndex     int                    `json:"stage_index"`
	StageCount     int                    `json:"stage_count"`
	Mode           Mode                   `json:"mode"`
}

// NewState returns a State ready to run with the given original input.
func NewState(input string, mode Mode) *State {
	if mode == "" {
		mode = ModeAutomatic
	}
	return &State{
		Input:   input,
		Outputs: make(map[string]StageOutput),
		Mode:    mode,
	}
}

// Output returns the named stage's recorded output.
func (s *State) Output(stage string) (StageOutput, bool) {
	out, ok := s.Outputs[stage]
	return out, ok
}
