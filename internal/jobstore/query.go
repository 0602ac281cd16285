package jobstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vidpipe/internal/jobs"
)

// Columns lists the job columns in scan order.
const Columns = "job_id, status, owner, source_name, input_key, output_key, preset, attempts, worker_token, progress, error_message, error_detail, created_at, started_at, updated_at, heartbeat_at"

// timeLayout is a fixed-width UTC layout so stored timestamps compare
// correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect adapts the shared statements to a SQL backend.
type Dialect struct {
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Time converts a timestamp into the backend's bind value.
	Time func(time.Time) any
}

// SQLiteDialect binds with ? and stores fixed-width UTC text timestamps.
var SQLiteDialect = Dialect{
	Placeholder: func(int) string { return "?" },
	Time:        func(t time.Time) any { return formatTime(t) },
}

// PostgresDialect binds with $n and passes timestamps natively.
var PostgresDialect = Dialect{
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Time:        func(t time.Time) any { return t.UTC() },
}

// Statement is a rendered query with its bind arguments.
type Statement struct {
	SQL  string
	Args []any
}

type builder struct {
	d    Dialect
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) bindTime(t *time.Time) string {
	if t == nil {
		return b.bind(nil)
	}
	return b.bind(b.d.Time(*t))
}

// BuildInsert renders the insert for a new job record.
func BuildInsert(d Dialect, job *jobs.Job) Statement {
	b := &builder{d: d}
	created := job.CreatedAt
	updated := job.UpdatedAt
	values := []string{
		b.bind(job.ID),
		b.bind(string(job.Status)),
		b.bind(nullableString(job.Owner)),
		b.bind(nullableString(job.SourceName)),
		b.bind(nullableString(job.InputKey)),
		b.bind(nil),
		b.bind(nullableString(job.Preset)),
		b.bind(0),
		b.bind(nil),
		b.bind(0.0),
		b.bind(nil),
		b.bind(nil),
		b.bindTime(&created),
		b.bind(nil),
		b.bindTime(&updated),
		b.bind(nil),
	}
	return Statement{
		SQL:  fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", Columns, strings.Join(values, ", ")),
		Args: b.args,
	}
}

// BuildGet renders the lookup of one job.
func BuildGet(d Dialect, id string) Statement {
	b := &builder{d: d}
	return Statement{
		SQL:  fmt.Sprintf("SELECT %s FROM jobs WHERE job_id = %s", Columns, b.bind(id)),
		Args: b.args,
	}
}

// BuildUpdate renders a conditional partial update returning the new row.
// No row returned means the condition failed or the job does not exist.
func BuildUpdate(d Dialect, id string, patch jobs.Patch, cond jobs.Condition) (Statement, error) {
	if err := jobs.ValidateUpdate(patch, cond); err != nil {
		return Statement{}, err
	}
	at := patch.At
	if at.IsZero() {
		at = time.Now()
	}

	b := &builder{d: d}
	var sets []string
	set := func(column string, value any) {
		sets = append(sets, column+" = "+b.bind(value))
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.InputKey != nil {
		set("input_key", nullableString(*patch.InputKey))
	}
	if patch.Preset != nil {
		set("preset", nullableString(*patch.Preset))
	}
	if patch.OutputKey != nil {
		set("output_key", nullableString(*patch.OutputKey))
	}
	if patch.WorkerToken != nil {
		set("worker_token", nullableString(*patch.WorkerToken))
	}
	if patch.Progress != nil {
		set("progress", *patch.Progress)
	}
	if patch.ErrorMessage != nil {
		set("error_message", nullableString(*patch.ErrorMessage))
	}
	if patch.ErrorDetail != nil {
		set("error_detail", nullableString(*patch.ErrorDetail))
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = "+b.bindTime(patch.StartedAt))
	}
	if patch.HeartbeatAt != nil {
		sets = append(sets, "heartbeat_at = "+b.bindTime(patch.HeartbeatAt))
	}
	if patch.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	sets = append(sets, "updated_at = "+b.bindTime(&at))

	where := []string{"job_id = " + b.bind(id)}
	if len(cond.Statuses) > 0 {
		placeholders := make([]string, 0, len(cond.Statuses))
		for _, status := range cond.Statuses {
			placeholders = append(placeholders, b.bind(string(status)))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if cond.WorkerToken != "" {
		where = append(where, "worker_token = "+b.bind(cond.WorkerToken))
	}
	if !cond.StaleBefore.IsZero() {
		stale := cond.StaleBefore
		where = append(where, fmt.Sprintf("(status <> %s OR COALESCE(heartbeat_at, started_at, updated_at) < %s)",
			b.bind(string(jobs.StatusProcessing)), b.bindTime(&stale)))
	}

	return Statement{
		SQL: fmt.Sprintf("UPDATE jobs SET %s WHERE %s RETURNING %s",
			strings.Join(sets, ", "), strings.Join(where, " AND "), Columns),
		Args: b.args,
	}, nil
}

// BuildList renders a filtered listing, newest first.
func BuildList(d Dialect, opts jobs.ListOptions) Statement {
	b := &builder{d: d}
	var where []string
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, b.bind(string(status)))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if owner := strings.TrimSpace(opts.Owner); owner != "" {
		where = append(where, "owner = "+b.bind(owner))
	}
	query := "SELECT " + Columns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id"
	if opts.Limit > 0 {
		query += " LIMIT " + b.bind(opts.Limit)
	}
	return Statement{SQL: query, Args: b.args}
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
