// Package services defines shared utilities consumed by the pipeline, the
// submission service and the storage hand-off.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, worker IDs, attempt numbers, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that let the worker decide
//     between recording a job failure and leaving a message for redelivery.
//
// Use these helpers when wiring new pipeline steps so operational behaviour
// (error handling, observability, retries) stays uniform.
package services
