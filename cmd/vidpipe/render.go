package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"vidpipe/internal/jobs"
)

var titleCaser = cases.Title(language.English)

type jobView struct {
	ID           string     `json:"job_id"`
	Status       string     `json:"status"`
	Owner        string     `json:"owner,omitempty"`
	SourceName   string     `json:"source_name,omitempty"`
	Preset       string     `json:"preset"`
	InputKey     string     `json:"input_key"`
	OutputKey    string     `json:"output_key,omitempty"`
	Progress     float64    `json:"progress"`
	Attempts     int        `json:"attempts"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
}

func newJobView(job *jobs.Job) jobView {
	return jobView{
		ID:           job.ID,
		Status:       string(job.Status),
		Owner:        job.Owner,
		SourceName:   job.SourceName,
		Preset:       job.Preset,
		InputKey:     job.InputKey,
		OutputKey:    job.OutputKey,
		Progress:     job.Progress,
		Attempts:     job.Attempts,
		ErrorMessage: job.ErrorMessage,
		ErrorDetail:  job.ErrorDetail,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
	}
}

func writeJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func statusLabel(status jobs.Status) string {
	return titleCaser.String(string(status))
}

func renderJob(job *jobs.Job) string {
	rows := [][2]string{
		{"Job", job.ID},
		{"Status", statusLabel(job.Status)},
		{"Owner", job.Owner},
		{"Source", job.SourceName},
		{"Preset", job.Preset},
		{"Progress", formatProgress(job)},
		{"Attempts", fmt.Sprintf("%d", job.Attempts)},
		{"Input", job.InputKey},
		{"Output", job.OutputKey},
		{"Error", job.ErrorMessage},
		{"Created", formatTime(job.CreatedAt)},
		{"Updated", formatTime(job.UpdatedAt)},
	}
	out := renderKeyValues(rows)
	if detail := strings.TrimSpace(job.ErrorDetail); detail != "" {
		out += "\n\nDiagnostic output:\n" + detail
	}
	return out
}

func renderJobTable(list []*jobs.Job) string {
	headers := []string{"Job", "Status", "Preset", "Progress", "Owner", "Source", "Updated"}
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		rows = append(rows, []string{
			job.ID,
			statusLabel(job.Status),
			job.Preset,
			formatProgress(job),
			job.Owner,
			job.SourceName,
			formatTime(job.UpdatedAt),
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight})
}

func formatProgress(job *jobs.Job) string {
	switch job.Status {
	case jobs.StatusCreated:
		return "-"
	case jobs.StatusError:
		return "failed"
	default:
		return fmt.Sprintf("%.0f%%", job.Progress)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
