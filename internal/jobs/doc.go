// Package jobs defines the durable job record, its state machine, and the
// store contract shared by every job store backend.
//
// A job moves created -> processing -> done | error. All writes after the
// initial Put go through Store.Update with a Condition, which is how the
// pipeline makes terminal transitions idempotent and keeps a worker that lost
// its lease from overwriting a newer attempt's result.
package jobs
