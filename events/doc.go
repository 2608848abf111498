// Package events delivers a task's ordered progress stream to any number of
// subscribers without ever blocking the producer.
//
// A Broadcaster keeps one append-only, sequence-numbered stream per task.
// Subscribers may join after the task started; they receive only subsequent
// events (no replay) and are expected to poll task status as their catch-up
// mechanism after a disconnect. A subscriber whose buffer fills up is dropped
// and marked lagged rather than slowing the pipeline.
//
// Relay optionally mirrors every event onto a NATS subject per task and event
// type, for consumers outside the process.
package events
