package fetch

import (
	"fmt"
	"io"
	"strconv"

	"github.com/CZERTAINLY/Surveyor/internal/model"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// RenderSummary writes the counts per class as a table.
func RenderSummary(w io.Writer, s model.FetchSummary) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Class", "Count")
	for _, c := range model.Classes {
		t.Row(string(c), strconv.Itoa(s.Counts[c]))
	}
	t.Row("TOTAL", strconv.Itoa(s.Total))
	_, err := fmt.Fprintln(w, t.String())
	return err
}
