// Package pipeline composes ordered stages into one resumable generation run.
// A Runner executes its stage list against a State: each stage reads prior
// outputs through its StageContext, issues at most one external call through
// the step executor, and the runner records the result in the stage's output
// slot. Advance is strictly sequential; a failed stage stops the run with the
// partial State intact.
//
// A Spec with FanOut > 1 runs that many independent instances of the stage
// against the same input. Successes become an index-stable candidate list on
// the State (partial success proceeds, all failing fails the slot), and an
// EvalStage downstream selects the winner with one call, recording the
// selected index and rationale for audit.
//
// # Resuming
//
// State.StageIndex is the sole resumption checkpoint. Run starts at
// RunOptions.ResumeFrom (or StageIndex when negative) and skips everything
// before it, so re-running the same index without new input is a no-op
// re-skip, never a re-execution. Persist the State (it is JSON-serializable)
// through an Observer's hooks and reload it to resume after a restart.
//
// # Interactive mode
//
// With State.Mode == ModeInteractive the runner never calls the generation
// service itself. Run suspends immediately with ErrAwaitingInput; the caller
// renders the current stage's request with RenderPrompt, relays it to the
// external system by hand, and feeds the raw response to SubmitResult, which
// validates and parses it exactly as an automatic response and advances the
// checkpoint. Repeat until Done reports true.
//
// Cancellation is cooperative: RunOptions.Cancelled is checked only between
// stages, never mid call, and a cancelled run keeps every recorded output.
package pipeline
