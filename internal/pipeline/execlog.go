package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elonfeng/ridecast/internal/store"
)

const logTail = 5

// ExecutionLog appends a markdown audit entry per stored run. One file per day.
type ExecutionLog struct {
	Dir string
}

// Path returns the log file for the day of t.
func (l ExecutionLog) Path(t time.Time) string {
	return filepath.Join(l.Dir, fmt.Sprintf("execution_log_%s.md", t.Format("20060102")))
}

// Append writes one run entry and returns the file it went to.
func (l ExecutionLog) Append(runID string, at time.Time, version string, dropped int, rows []store.FeatureRow) (string, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	path := l.Path(at)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open execution log: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "## Run %s\n\n", runID)
	fmt.Fprintf(&b, "- Timestamp: %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Version: %s\n", version)
	fmt.Fprintf(&b, "- Rows stored: %d\n", len(rows))
	fmt.Fprintf(&b, "- Rows dropped (incomplete lags): %d\n\n", dropped)
	b.WriteString("| date | total_traffic | lag_1d | lag_7d | lag_364d | rolling_7d_avg | avg_temp |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range rows[max(0, len(rows)-logTail):] {
		fmt.Fprintf(&b, "| %s | %d | %s | %s | %s | %s | %s |\n",
			r.Date, r.TotalTraffic, cell(r.Lag1d), cell(r.Lag7d), cell(r.Lag364d), cell(r.Rolling7dAvg), cell(r.AvgTemp))
	}
	b.WriteString("\n")

	if _, err := f.WriteString(b.String()); err != nil {
		return "", fmt.Errorf("write execution log: %w", err)
	}
	return path, nil
}

func cell(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
