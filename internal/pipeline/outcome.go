package pipeline

import "sync/atomic"

// Outcome classifies how one delivery was handled.
type Outcome string

const (
	// OutcomeDone committed done and acknowledged.
	OutcomeDone Outcome = "done"
	// OutcomeFailed committed error and acknowledged.
	OutcomeFailed Outcome = "failed"
	// OutcomeDuplicate found the job already terminal and acknowledged.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeBusy left the message because another attempt owns the job.
	OutcomeBusy Outcome = "busy"
	// OutcomeAbandoned left the message for redelivery without committing.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomePoison deleted a message whose body is not a dispatch.
	OutcomePoison Outcome = "poison"
	// OutcomeMissing left a message whose job record does not exist.
	OutcomeMissing Outcome = "missing"
	// OutcomeDropped deleted a message for a missing job after its delivery budget.
	OutcomeDropped Outcome = "dropped"
	// OutcomeDeadLettered committed error after the delivery budget and acknowledged.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Acknowledged reports whether the outcome deletes the message.
func (o Outcome) Acknowledged() bool {
	switch o {
	case OutcomeDone, OutcomeFailed, OutcomeDuplicate, OutcomePoison, OutcomeDropped, OutcomeDeadLettered:
		return true
	default:
		return false
	}
}

// Stats counts outcomes since the worker started.
type Stats struct {
	Received  int64
	Done      int64
	Failed    int64
	Duplicate int64
	Left      int64
	Deleted   int64
}

type counters struct {
	received  atomic.Int64
	done      atomic.Int64
	failed    atomic.Int64
	duplicate atomic.Int64
	left      atomic.Int64
	deleted   atomic.Int64
}

func (c *counters) record(o Outcome) {
	c.received.Add(1)
	switch o {
	case OutcomeDone:
		c.done.Add(1)
	case OutcomeFailed, OutcomeDeadLettered:
		c.failed.Add(1)
	case OutcomeDuplicate:
		c.duplicate.Add(1)
	case OutcomePoison, OutcomeDropped:
		c.deleted.Add(1)
	default:
		c.left.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:  c.received.Load(),
		Done:      c.done.Load(),
		Failed:    c.failed.Load(),
		Duplicate: c.duplicate.Load(),
		Left:      c.left.Load(),
		Deleted:   c.deleted.Load(),
	}
}
