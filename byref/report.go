package byref

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Report is the JSON document written by a survey run.
type Report struct {
	StartTime    time.Time         `json:"startTime"`
	Duration     time.Duration     `json:"durationNanos"`
	CodeFile     string            `json:"codeFile"`
	Version      string            `json:"version"`
	Summary      SurveySummary     `json:"summary"`
	Sites        []SiteReport      `json:"sites"`
	InjectedDiff map[string]string `json:"injectedDiff,omitempty"`
}

// WriteToFile writes the report as indented JSON, doing nothing when path is empty.
func (r *Report) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// ReadReportFile loads a report written by WriteToFile.
func ReadReportFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report file failed: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report failed: %w", err)
	}
	return &r, nil
}
