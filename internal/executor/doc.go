// Package executor runs the external transcoder.
//
// FFmpeg maps a named preset to a fixed ffmpeg argument list, probes the
// input duration with ffprobe so progress can be reported as a percentage,
// and keeps a bounded tail of stderr for diagnostics. A run fails when ffmpeg
// exits non-zero or leaves no usable output file. The process runs in its own
// process group and the whole group is killed when the context ends.
//
// The executor never retries; the worker decides what a failure means for
// the job.
package executor
