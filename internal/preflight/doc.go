// Package preflight provides readiness checks for the binaries, directories
// and backends vidpipe depends on.
//
// The worker daemon runs RunAll at startup and logs the snapshot; failed
// required checks stop it before it leases any message. The CLI "vidpipe
// doctor" command renders the same results as a table.
package preflight
