package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dcshock/genpipe/gen"
)

// EvalStage selects the best candidate from the most recent fan-out with one
// executor-mediated call. It composes like any other Stage. When no fan-out
// preceded it, the previous stage's single output becomes a one-element
// candidate list and the call acts as pass-through validation.
type EvalStage struct {
	StageName string
	// Dep is the circuit-breaker key for the backing service. Empty means "gen".
	Dep      string
	Model    string
	Criteria []string
}

func (e *EvalStage) Name() string { return e.StageName }

func (e *EvalStage) dep() string {
	if e.Dep == "" {
		return "gen"
	}
	return e.Dep
}

// selection is the structured answer expected from the evaluator.
type selection struct {
	Selection *int   `json:"selection"`
	Rationale string `json:"rationale"`
}

// candidates returns the list to evaluate: the fan-out candidates, or the
// previous stage's output as a single pass-through candidate.
func (e *EvalStage) candidates(sc *StageContext) ([]Candidate, error) {
	if len(sc.State.Candidates) > 0 {
		return sc.State.Candidates, nil
	}
	if sc.Prev == nil {
		return nil, fmt.Errorf("stage %q: no candidates and no prior stage output", e.StageName)
	}
	return []Candidate{{Stage: e.StageName, Output: *sc.Prev}}, nil
}

// BuildInput implements InputBuilder: one request presenting every candidate
// plus the criteria set, asking for a JSON selection.
func (e *EvalStage) BuildInput(sc *StageContext) (gen.Request, error) {
	cands, err := e.candidates(sc)
	if err != nil {
		return gen.Request{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are judging %d candidate responses.\n", len(cands))
	if len(e.Criteria) > 0 {
		b.WriteString("Criteria:\n")
		for _, c := range e.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	for i, c := range cands {
		fmt.Fprintf(&b, "\n--- candidate %d ---\n%s\n", i, c.Output.Text)
	}
	fmt.Fprintf(&b, "\nAnswer with JSON only: {\"selection\": <0-%d>, \"rationale\": \"...\"}\n", len(cands)-1)
	return gen.Request{Model: e.Model, Prompt: b.String()}, nil
}

// RenderPrompt implements PromptRenderer.
func (e *EvalStage) RenderPrompt(sc *StageContext) (*Prompt, error) {
	req, err := e.BuildInput(sc)
	if err != nil {
		return nil, err
	}
	return &Prompt{
		Stage:        e.StageName,
		Request:      req,
		Instructions: "reply with the JSON object only",
	}, nil
}

// Execute implements Stage. An out-of-range selection index is clamped to 0
// and flagged as anomalous on the recorded Evaluation rather than failing.
func (e *EvalStage) Execute(ctx context.Context, sc *StageContext) (*StageResult, error) {
	cands, err := e.candidates(sc)
	if err != nil {
		return nil, err
	}
	req, err := e.BuildInput(sc)
	if err != nil {
		return nil, err
	}
	res, err := sc.Exec.Do(ctx, e.dep(), req, decodeSelection)
	if err != nil {
		return nil, err
	}
	sel := res.Output.(*selection)
	return e.record(sc, cands, sel, metaFrom(res)), nil
}

// ParseResult implements ResultParser for interactive relay.
func (e *EvalStage) ParseResult(sc *StageContext, raw string) (*StageResult, error) {
	cands, err := e.candidates(sc)
	if err != nil {
		return nil, err
	}
	out, err := decodeSelection(&gen.Response{Text: raw, Provider: "manual"})
	if err != nil {
		return nil, fmt.Errorf("parse relayed response: %w", err)
	}
	return e.record(sc, cands, out.(*selection), Meta{Provider: "manual"}), nil
}

// record writes the evaluation decision and returns the selected candidate as
// the stage's output. The full candidate set stays on the state for audit.
func (e *EvalStage) record(sc *StageContext, cands []Candidate, sel *selection, meta Meta) *StageResult {
	idx := *sel.Selection
	anomalous := false
	if idx < 0 || idx >= len(cands) {
		idx = 0
		anomalous = true
	}
	sc.State.Candidates = cands
	sc.State.Evaluation = &Evaluation{SelectedIndex: idx, Rationale: sel.Rationale, Anomalous: anomalous}
	return &StageResult{
		Status: StatusSuccess,
		Output: cands[idx].Output,
		Meta:   meta,
	}
}

// decodeSelection parses the evaluator's JSON answer, tolerating prose around
// the object by extracting the outermost braces.
func decodeSelection(resp *gen.Response) (any, error) {
	text := resp.Text
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in evaluator response")
	}
	var sel selection
	if err := json.Unmarshal([]byte(text[start:end+1]), &sel); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	if sel.Selection == nil {
		return nil, fmt.Errorf("evaluator response missing selection index")
	}
	return &sel, nil
}
