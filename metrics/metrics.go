// Package metrics defines the narrow collector interface the engine reports
// through, plus a Prometheus implementation. The engine itself never depends
// on a metrics backend; pass Nop to run without one.
package metrics

// Collector receives engine measurements. Implementations must be safe for
// concurrent use.
type Collector interface {
	TaskEnqueued(priority string)
	TaskDone(status string)
	QueueDepth(n int)
	RetryObserved(dep string)
	BreakerState(dep, state string)
}

// Nop is the default Collector: it records nothing.
type Nop struct{}

func (Nop) TaskEnqueued(string)         {}
func (Nop) TaskDone(string)             {}
func (Nop) QueueDepth(int)              {}
func (Nop) RetryObserved(string)        {}
func (Nop) BreakerState(string, string) {}

var _ Collector = Nop{}
