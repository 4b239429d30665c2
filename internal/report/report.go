// Package report renders the final mission report as a plain text file in
// the workspace reports directory.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/dawnyawn/internal/mission"
	"github.com/jkaninda/dawnyawn/internal/workspace"
)

// Writer renders mission reports.
type Writer struct {
	ws     *workspace.Workspace
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a report writer.
func NewWriter(ws *workspace.Workspace, logger *slog.Logger) *Writer {
	return &Writer{
		ws:     ws,
		logger: logger,
		now:    time.Now,
	}
}

// Write renders the mission into report_<timestamp>.txt and returns its path.
func (w *Writer) Write(m *mission.Mission) (string, error) {
	timestamp := w.now().Format("20060102_150405")
	path := filepath.Join(w.ws.ReportsDir(), fmt.Sprintf("report_%s.txt", timestamp))

	content := Render(m, w.now())
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// Render produces the report text: goal, per-step log, final summary.
func Render(m *mission.Mission, at time.Time) string {
	var sb strings.Builder

	sb.WriteString("====================================\n")
	sb.WriteString("          MISSION REPORT\n")
	sb.WriteString("====================================\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n", at.Format(time.RFC1123))
	fmt.Fprintf(&sb, "Goal: %s\n\n", m.Goal)

	sb.WriteString("--- Execution Log ---\n\n")
	for i, h := range m.History {
		fmt.Fprintf(&sb, "[Step %d] Command:\n    %s\n", i+1, h.Command)
		sb.WriteString("Observation:\n")
		sb.WriteString(indent(h.Observation.Text(), "    "))
		sb.WriteString("\n\n")
	}

	sb.WriteString("--- Final Summary ---\n\n")
	if summary := m.FinalSummary(); summary != "" {
		sb.WriteString(summary + "\n")
	} else {
		sb.WriteString("The mission ended without a final summary.\n")
	}
	return sb.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

var _ mission.Reporter = (*Writer)(nil)
