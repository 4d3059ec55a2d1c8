// Package nudge implements the nestlog nudge engine: threshold rules evaluated
// against caregiver metric samples, opt-in gating per delivery channel, and an
// in-process dispatch queue that hands each notification job to a channel sender
// and persists exactly one terminal outcome for it.
//
// Pipeline:
//
//	samples -> Evaluate (Registry thresholds) -> []Job -> Queue.Enqueue
//	Queue worker: preference lookup -> Gate -> Sender.Send -> Sink.Append
//
// LoadRegistry validates rule definitions once; the resulting Registry is
// read-only and is swapped wholesale by Engine.SetRegistry on config reload.
//
// Evaluate and Gate are pure functions and safe for concurrent use. The Queue
// drains strictly FIFO with a single worker, so a Sender is never called
// concurrently by one Queue. Outcomes are terminal: SENT or SUPPRESSED. A
// failed send is recorded as SUPPRESSED with a "delivery failed" detail, which
// is how it is told apart from an opt-out suppression.
//
// The queue is memory-only. Jobs still queued when the process dies are lost.
package nudge
