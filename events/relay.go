package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Relay mirrors progress events onto NATS, one subject per task and event
// type: <prefix>.<task_id>.<type>. Publish failures are logged and never
// propagate to the producer.
type Relay struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// NewRelay returns a Relay publishing under prefix (default "genpipe.task").
// A nil logger means slog.Default().
func NewRelay(nc *nats.Conn, prefix string, log *slog.Logger) *Relay {
	if prefix == "" {
		prefix = "genpipe.task"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{conn: nc, prefix: prefix, log: log}
}

// Publish implements Publisher.
func (r *Relay) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn("relay: marshal event", "task", ev.TaskID, "type", ev.Type, "err", err)
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", r.prefix, ev.TaskID, ev.Type)
	if err := r.conn.Publish(subject, data); err != nil {
		r.log.Warn("relay: publish", "subject", subject, "err", err)
	}
}
