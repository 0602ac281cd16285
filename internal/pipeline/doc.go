// Package pipeline implements the transcode worker: the queue consumer loop
// and the per-message protocol that moves a job from created to done or
// error.
//
// A message is acknowledged only after its job's terminal state is
// committed. Every write made after the claim is conditional on the attempt's
// worker token, so a worker that lost its lease can neither commit nor
// acknowledge. While a job runs a lease keeper renews the queue lease and the
// job heartbeat; losing either cancels the job and kills the transcoder.
package pipeline
