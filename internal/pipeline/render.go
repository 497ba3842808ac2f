package pipeline

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/model"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const maxCell = 60

// Render writes the human readable report of a pipeline result.
func Render(w io.Writer, r model.PipelineResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Job:      %s\n", r.JobID)
	fmt.Fprintf(&b, "Target:   %s\n", r.Hostname)
	fmt.Fprintf(&b, "Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Finished: %s\n", r.FinishedAt.Format(time.RFC3339))

	b.WriteString("\nStages\n")
	stages := newTable("#", "Stage", "Outcome", "Elapsed", "Detail")
	for _, s := range r.Stages {
		stages.Row(
			strconv.Itoa(s.Position+1),
			s.Name,
			string(s.Outcome),
			s.Elapsed.Round(time.Millisecond).String(),
			cell(s.Detail),
		)
	}
	b.WriteString(stages.String())
	b.WriteByte('\n')

	fmt.Fprintf(&b, "\nTargets (%d)\n", len(r.Targets))
	for _, t := range r.Targets {
		b.WriteString("  ")
		b.WriteString(t)
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "\nProbe results (%d)\n", len(r.Records))
	if len(r.Records) > 0 {
		records := newTable("Line", "URL", "Status", "Title", "Server", "Tech")
		for _, rec := range r.Records {
			if rec.Malformed() {
				records.Row(strconv.Itoa(rec.Line), cell(rec.Raw), "-", cell("parse error: "+rec.ParseError), "", "")
				continue
			}
			records.Row(
				strconv.Itoa(rec.Line),
				cell(rec.URL),
				strconv.Itoa(rec.StatusCode),
				cell(rec.Title),
				cell(rec.WebServer),
				cell(strings.Join(rec.Tech, ", ")),
			)
		}
		b.WriteString(records.String())
		b.WriteByte('\n')
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

func cell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxCell {
		return s
	}
	return string(runes[:maxCell-3]) + "..."
}
