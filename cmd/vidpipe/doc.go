// Command vidpipe submits transcode jobs, reports their status and runs a
// worker in the foreground.
//
//	vidpipe submit clip.mov --preset 720p
//	vidpipe status <job-id>
//	vidpipe list --status processing
//	vidpipe download <job-id> out.mp4
//	vidpipe run clip.mov          # submit and transcode in this process
//	vidpipe worker                # consume the configured queue
//	vidpipe logs --job <job-id> -f
//	vidpipe doctor
//	vidpipe config init|show|validate
package main
