// Package logs reads worker log files for the CLI.
//
// Tail prints the last lines of a log and can keep following it, optionally
// narrowed to the lines that mention one job. Both the JSON and console log
// formats are understood.
package logs
