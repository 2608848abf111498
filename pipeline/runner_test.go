package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dcshock/genpipe/events"
	"github.com/dcshock/genpipe/gen"
	"github.com/dcshock/genpipe/step"
)

// hookObserver implements Observer with optional function fields.
type hookObserver struct {
	beforeRun   func(ctx context.Context, runID, name string, st *State) error
	afterRun    func(ctx context.Context, runID string, st *State, runErr error) error
	beforeStage func(ctx context.Context, runID string, index int, stage string) error
	afterStage  func(ctx context.Context, runID string, index int, stage string, res *StageResult) error
}

func (o *hookObserver) BeforeRun(ctx context.Context, runID, name string, st *State) error {
	if o.beforeRun != nil {
		return o.beforeRun(ctx, runID, name, st)
	}
	return nil
}

func (o *hookObserver) AfterRun(ctx context.Context, runID string, st *State, runErr error) error {
	if o.afterRun != nil {
		return o.afterRun(ctx, runID, st, runErr)
	}
	return nil
}

func (o *hookObserver) BeforeStage(ctx context.Context, runID string, index int, stage string) error {
	if o.beforeStage != nil {
		return o.beforeStage(ctx, runID, index, stage)
	}
	return nil
}

func (o *hookObserver) AfterStage(ctx context.Context, runID string, index int, stage string, res *StageResult) error {
	if o.afterStage != nil {
		return o.afterStage(ctx, runID, index, stage, res)
	}
	return nil
}

// collector gathers published events in order.
type collector struct{ evs []events.Event }

func (c *collector) Publish(ev events.Event) { c.evs = append(c.evs, ev) }

func (c *collector) ofType(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range c.evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// textStage returns a stage that emits text and records its execution.
func textStage(name, text string, log *[]string) Stage {
	return StageFunc{StageName: name, Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		if log != nil {
			*log = append(*log, name)
		}
		return &StageResult{Status: StatusSuccess, Output: StageOutput{Text: text}}, nil
	}}
}

func execWith(caller gen.Caller) *step.Executor {
	return &step.Executor{
		Caller: caller,
		Policy: step.Policy{MaxAttempts: 1, Initial: time.Millisecond},
		Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func TestRunner_SequentialOrder(t *testing.T) {
	var order []string
	r := &Runner{Name: "seq", Specs: []Spec{
		{Stage: textStage("a", "A", &order)},
		{Stage: textStage("b", "B", &order)},
		{Stage: textStage("c", "C", &order)},
	}}
	st := NewState("in", ModeAutomatic)
	var hooks []string
	obs := &hookObserver{
		beforeRun: func(ctx context.Context, runID, name string, st *State) error {
			hooks = append(hooks, "BeforeRun:"+name)
			return nil
		},
		afterRun: func(ctx context.Context, runID string, st *State, runErr error) error {
			hooks = append(hooks, "AfterRun")
			return nil
		},
		beforeStage: func(ctx context.Context, runID string, index int, stage string) error {
			hooks = append(hooks, fmt.Sprintf("BeforeStage:%d", index))
			return nil
		},
		afterStage: func(ctx context.Context, runID string, index int, stage string, res *StageResult) error {
			hooks = append(hooks, fmt.Sprintf("AfterStage:%d", index))
			return nil
		},
	}
	res, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1, Observer: obs})
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(order); got != "[a b c]" {
		t.Errorf("execution order %v", order)
	}
	if res.Output.Text != "C" {
		t.Errorf("final output %q, want C", res.Output.Text)
	}
	if st.StageIndex != 3 || st.StageCount != 3 {
		t.Errorf("checkpoint %d/%d, want 3/3", st.StageIndex, st.StageCount)
	}
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := st.Output(name); !ok {
			t.Errorf("output slot %q not recorded", name)
		}
	}
	want := []string{"BeforeRun:seq", "BeforeStage:0", "AfterStage:0", "BeforeStage:1", "AfterStage:1", "BeforeStage:2", "AfterStage:2", "AfterRun"}
	if fmt.Sprint(hooks) != fmt.Sprint(want) {
		t.Errorf("hooks %v, want %v", hooks, want)
	}
}

func TestRunner_FailureStopsRun(t *testing.T) {
	var order []string
	boom := StageFunc{StageName: "b", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		order = append(order, "b")
		return nil, errors.New("boom")
	}}
	r := &Runner{Name: "p", Specs: []Spec{
		{Stage: textStage("a", "A", &order)},
		{Stage: boom},
		{Stage: textStage("c", "C", &order)},
	}}
	st := NewState("in", ModeAutomatic)
	pub := &collector{}
	var failedRes *StageResult
	obs := &hookObserver{afterStage: func(ctx context.Context, runID string, index int, stage string, res *StageResult) error {
		if stage == "b" {
			failedRes = res
		}
		return nil
	}}
	_, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1, Observer: obs, Events: pub})
	if err == nil {
		t.Fatal("expected error")
	}
	if fmt.Sprint(order) != "[a b]" {
		t.Errorf("execution order %v, stage c must not run", order)
	}
	if _, ok := st.Output("a"); !ok {
		t.Error("stage a's output lost on failure")
	}
	if st.StageIndex != 1 {
		t.Errorf("checkpoint %d, want 1 (stage b not completed)", st.StageIndex)
	}
	if failedRes == nil || failedRes.Status != StatusFailed || failedRes.Err == "" {
		t.Errorf("observer saw %+v, want failed result with error text", failedRes)
	}
	if n := len(pub.ofType(events.StageFailed)); n != 1 {
		t.Errorf("%d stage.failed events, want 1", n)
	}
}

func TestRunner_ResumeSkipsCompletedStages(t *testing.T) {
	var order []string
	r := &Runner{Name: "p", Specs: []Spec{
		{Stage: textStage("a", "A", &order)},
		{Stage: textStage("b", "B", &order)},
		{Stage: textStage("c", "C", &order)},
	}}
	st := NewState("in", ModeAutomatic)
	st.Outputs["a"] = StageOutput{Text: "A (already recorded)"}
	st.StageIndex = 1

	res, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(order) != "[b c]" {
		t.Errorf("execution order %v, stage a must be skipped", order)
	}
	if res.StagesRun != 2 {
		t.Errorf("StagesRun = %d, want 2", res.StagesRun)
	}
	if out, _ := st.Output("a"); out.Text != "A (already recorded)" {
		t.Error("resume overwrote a pre-resume output")
	}
}

func TestRunner_ReResumeIsIdempotent(t *testing.T) {
	var order []string
	r := &Runner{Name: "p", Specs: []Spec{
		{Stage: textStage("a", "A", &order)},
		{Stage: textStage("b", "B", &order)},
	}}
	st := NewState("in", ModeAutomatic)
	if _, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1}); err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if err != nil {
		t.Fatal(err)
	}
	if res.StagesRun != 0 {
		t.Errorf("re-resume executed %d stages, want 0", res.StagesRun)
	}
	if fmt.Sprint(order) != "[a b]" {
		t.Errorf("execution order %v, want each stage exactly once", order)
	}
}

func TestRunner_ResumeIndexOutOfRange(t *testing.T) {
	r := &Runner{Name: "p", Specs: []Spec{{Stage: textStage("a", "A", nil)}}}
	st := NewState("in", ModeAutomatic)
	if _, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: 5}); err == nil {
		t.Fatal("expected error for resume index past the stage list")
	}
}

func TestRunner_CancelBetweenStages(t *testing.T) {
	var order []string
	var cancelled atomic.Bool
	first := StageFunc{StageName: "a", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		order = append(order, "a")
		cancelled.Store(true) // cancel arrives while stage a runs
		return &StageResult{Status: StatusSuccess, Output: StageOutput{Text: "A"}}, nil
	}}
	r := &Runner{Name: "p", Specs: []Spec{
		{Stage: first},
		{Stage: textStage("b", "B", &order)},
	}}
	st := NewState("in", ModeAutomatic)
	_, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1, Cancelled: cancelled.Load})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if fmt.Sprint(order) != "[a]" {
		t.Errorf("execution order %v, stage b must not run after cancel", order)
	}
	if out, ok := st.Output("a"); !ok || out.Text != "A" {
		t.Error("stage a's output not preserved after cancel")
	}
}

func TestRunner_FanOutPartialSuccess(t *testing.T) {
	var calls atomic.Int64
	caller := gen.CallerFunc(func(ctx context.Context, req gen.Request) (*gen.Response, error) {
		n := calls.Add(1)
		if n == 1 {
			return nil, gen.Transport(errors.New("instance down"))
		}
		return &gen.Response{Text: fmt.Sprintf("draft %d", n)}, nil
	})
	stage := &GenStage{StageName: "draft", Build: func(sc *StageContext) (gen.Request, error) {
		return gen.Request{Prompt: sc.State.Input}, nil
	}}
	r := &Runner{Name: "p", Exec: execWith(caller), Specs: []Spec{{Stage: stage, FanOut: 3}}}
	st := NewState("in", ModeAutomatic)
	pub := &collector{}
	_, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1, Events: pub})
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Candidates) != 2 {
		t.Fatalf("%d candidates, want 2", len(st.Candidates))
	}
	if st.FanOutFailures != 1 {
		t.Errorf("FanOutFailures = %d, want 1", st.FanOutFailures)
	}
	for i := 1; i < len(st.Candidates); i++ {
		if st.Candidates[i].Instance <= st.Candidates[i-1].Instance {
			t.Error("candidates not in instance order")
		}
	}
	progress := pub.ofType(events.FanOutProgress)
	if len(progress) != 3 {
		t.Fatalf("%d fanout.progress events, want 3 (each third of 3)", len(progress))
	}
	last := progress[len(progress)-1]
	if last.Payload["completed"] != 3 {
		t.Errorf("final milestone payload %v, want completed=3", last.Payload)
	}
}

func TestRunner_FanOutAllFail(t *testing.T) {
	caller := gen.CallerFunc(func(ctx context.Context, req gen.Request) (*gen.Response, error) {
		return nil, gen.Transport(errors.New("down"))
	})
	stage := &GenStage{StageName: "draft", Build: func(sc *StageContext) (gen.Request, error) {
		return gen.Request{Prompt: "x"}, nil
	}}
	r := &Runner{Name: "p", Exec: execWith(caller), Specs: []Spec{{Stage: stage, FanOut: 2}}}
	st := NewState("in", ModeAutomatic)
	_, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if err == nil {
		t.Fatal("expected failure when every instance fails")
	}
	if len(st.Candidates) != 0 {
		t.Errorf("%d candidates, want 0", len(st.Candidates))
	}
	if st.FanOutFailures != 2 {
		t.Errorf("FanOutFailures = %d, want 2", st.FanOutFailures)
	}
}

func TestRunner_FanOutMilestoneAggregation(t *testing.T) {
	// 9 instances must aggregate to 3 progress events, not 9.
	caller := gen.CallerFunc(func(ctx context.Context, req gen.Request) (*gen.Response, error) {
		return &gen.Response{Text: "ok"}, nil
	})
	stage := &GenStage{StageName: "draft", Build: func(sc *StageContext) (gen.Request, error) {
		return gen.Request{Prompt: "x"}, nil
	}}
	r := &Runner{Name: "p", Exec: execWith(caller), Specs: []Spec{{Stage: stage, FanOut: 9}}}
	st := NewState("in", ModeAutomatic)
	pub := &collector{}
	if _, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1, Events: pub}); err != nil {
		t.Fatal(err)
	}
	progress := pub.ofType(events.FanOutProgress)
	if len(progress) != 3 {
		t.Errorf("%d fanout.progress events for 9 instances, want 3", len(progress))
	}
}

func TestRunner_PanicBecomesFailedStage(t *testing.T) {
	panicky := StageFunc{StageName: "a", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		panic("unexpected")
	}}
	r := &Runner{Name: "p", Specs: []Spec{{Stage: panicky}}}
	st := NewState("in", ModeAutomatic)
	_, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if err == nil {
		t.Fatal("expected error from panicking stage")
	}
}

func TestRunner_InteractiveSuspendsAndRelays(t *testing.T) {
	stage := func(name string) *GenStage {
		return &GenStage{StageName: name, Build: func(sc *StageContext) (gen.Request, error) {
			prev := sc.State.Input
			if sc.Prev != nil {
				prev = sc.Prev.Text
			}
			return gen.Request{Prompt: "improve: " + prev}, nil
		}}
	}
	r := &Runner{Name: "p", Specs: []Spec{{Stage: stage("draft")}, {Stage: stage("polish")}}}
	st := NewState("a poem about rivers", ModeInteractive)

	res, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if !IsAwaitingInput(err) {
		t.Fatalf("err = %v, want ErrAwaitingInput", err)
	}
	if res.Awaiting != "draft" {
		t.Errorf("awaiting %q, want draft", res.Awaiting)
	}

	prompt, err := r.RenderPrompt(st)
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Stage != "draft" || prompt.Request.Prompt != "improve: a poem about rivers" {
		t.Errorf("prompt %+v", prompt)
	}

	if _, err := r.SubmitResult(st, "polish", "out of order"); err == nil {
		t.Error("SubmitResult accepted a non-current stage")
	}

	sr, err := r.SubmitResult(st, "draft", "the river bends")
	if err != nil {
		t.Fatal(err)
	}
	if sr.Status != StatusSuccess || sr.Meta.Provider != "manual" {
		t.Errorf("result %+v, want manual success", sr)
	}
	if st.StageIndex != 1 {
		t.Errorf("checkpoint %d, want 1", st.StageIndex)
	}

	// The next prompt must see the relayed output as its predecessor.
	prompt, err = r.RenderPrompt(st)
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Request.Prompt != "improve: the river bends" {
		t.Errorf("second prompt %q", prompt.Request.Prompt)
	}

	if _, err := r.SubmitResult(st, "polish", "the river bends, polished"); err != nil {
		t.Fatal(err)
	}
	if !r.Done(st) {
		t.Error("run not done after last relay")
	}
	if _, err := r.RenderPrompt(st); err == nil {
		t.Error("RenderPrompt succeeded past the last stage")
	}
}

func TestRunner_StageTimeoutApplied(t *testing.T) {
	slow := StageFunc{StageName: "slow", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &StageResult{Status: StatusSuccess}, nil
		}
	}}
	r := &Runner{Name: "p", Specs: []Spec{{Stage: slow, Timeout: 10 * time.Millisecond}}}
	st := NewState("in", ModeAutomatic)
	_, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRunner_SkippedStageAdvances(t *testing.T) {
	skip := StageFunc{StageName: "maybe", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		return &StageResult{Status: StatusSkipped}, nil
	}}
	echo := StageFunc{StageName: "echo", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		if sc.Prev == nil {
			return nil, errors.New("no prior output")
		}
		return &StageResult{Status: StatusSuccess, Output: StageOutput{Text: sc.Prev.Text + "!"}}, nil
	}}
	var order []string
	col := &collector{}
	r := &Runner{Name: "p", Specs: []Spec{
		{Stage: textStage("a", "A", &order)},
		{Stage: skip},
		{Stage: echo},
	}}
	st := NewState("in", ModeAutomatic)
	res, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1, Events: col})
	if err != nil {
		t.Fatal(err)
	}
	// The skipped slot leaves no output and the next stage still sees "A".
	if res.Output.Text != "A!" {
		t.Errorf("final output %q, want A!", res.Output.Text)
	}
	if res.StagesRun != 2 {
		t.Errorf("stages run %d, want 2", res.StagesRun)
	}
	if _, ok := st.Output("maybe"); ok {
		t.Error("skipped stage recorded an output slot")
	}
	if st.StageIndex != 3 {
		t.Errorf("checkpoint %d, want 3", st.StageIndex)
	}
	completed := col.ofType(events.StageCompleted)
	if len(completed) != 3 {
		t.Fatalf("completed events %d, want 3", len(completed))
	}
	if v, _ := completed[1].Payload["skipped"].(bool); !v {
		t.Errorf("skip event payload %v", completed[1].Payload)
	}
}

func TestRunner_StageAwaitingInputSuspends(t *testing.T) {
	var relayed atomic.Bool
	hold := StageFunc{StageName: "hold", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		if !relayed.Load() {
			return &StageResult{Status: StatusAwaitingInput}, nil
		}
		return &StageResult{Status: StatusSuccess, Output: StageOutput{Text: "relayed"}}, nil
	}}
	var order []string
	r := &Runner{Name: "p", Specs: []Spec{
		{Stage: textStage("a", "A", &order)},
		{Stage: hold},
	}}
	st := NewState("in", ModeAutomatic)
	res, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if !IsAwaitingInput(err) {
		t.Fatalf("err = %v, want ErrAwaitingInput", err)
	}
	if res.Awaiting != "hold" {
		t.Errorf("awaiting %q, want hold", res.Awaiting)
	}
	if st.StageIndex != 1 {
		t.Errorf("checkpoint %d, want 1", st.StageIndex)
	}

	relayed.Store(true)
	res, err = r.Run(context.Background(), st, &RunOptions{ResumeFrom: st.StageIndex})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output.Text != "relayed" {
		t.Errorf("final output %q, want relayed", res.Output.Text)
	}
	if got := fmt.Sprint(order); got != "[a]" {
		t.Errorf("stage a ran %v times across the suspension", order)
	}
}

func TestRunner_FailureWithoutMessage(t *testing.T) {
	bad := StageFunc{StageName: "bad", Fn: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		return &StageResult{Status: StatusFailed}, nil
	}}
	r := &Runner{Name: "p", Specs: []Spec{{Stage: bad}}}
	st := NewState("in", ModeAutomatic)
	_, err := r.Run(context.Background(), st, &RunOptions{ResumeFrom: -1})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), `"bad"`) || !strings.Contains(err.Error(), "no message") {
		t.Errorf("error %q carries no usable message", err)
	}
}
