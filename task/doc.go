// Package task schedules pipeline runs: a bounded priority queue, a worker
// pool with a fixed concurrency ceiling, and the lifecycle bookkeeping around
// each run (status transitions, cooperative cancellation, retry with resume,
// persistence checkpoints, and progress events).
//
// The Manager is the single entry point. Register runners by name, Start the
// pool, then Submit work. Interactive tasks suspend before their first
// generation call and advance only through CurrentPrompt and
// SubmitStageResult. A suspended task holds no worker and runs no clock:
// Config.TaskTimeout bounds only worker-held execution, so an interactive
// task the operator never advances stays Running until Cancel. The retention
// sweep touches terminal tasks only.
package task
