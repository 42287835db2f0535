// Package report turns run results into ordered, human-readable tables and
// delivers them to sinks: a timestamped CSV file, the log, or both.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"segforge/internal/approval"
	"segforge/internal/replicate"
)

// Table is one finished report: a title (used for the filename), a header,
// and rows already in their final order.
type Table struct {
	Title  string
	Header []string
	Rows   [][]string
}

// Sink delivers a finished table somewhere.
type Sink interface {
	Write(t Table) error
}

// CSVSink writes each table to <dir>/<title>_<timestamp>.csv.
type CSVSink struct {
	Dir string

	// now is a seam for tests.
	now func() time.Time
}

func NewCSVSink(dir string) *CSVSink {
	return &CSVSink{Dir: dir, now: time.Now}
}

// Path returns the file a table with this title would land in right now.
func (s *CSVSink) Path(title string) string {
	now := s.now
	if now == nil {
		now = time.Now
	}
	name := fmt.Sprintf("%s_%s.csv", slug(title), now().Format("20060102_150405"))
	return filepath.Join(s.Dir, name)
}

func (s *CSVSink) Write(t Table) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	path := s.Path(t.Title)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.Header); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write report rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func slug(title string) string {
	out := strings.ToLower(strings.TrimSpace(title))
	out = strings.ReplaceAll(out, " ", "_")
	return out
}

// LogSink logs each row as a structured entry.
type LogSink struct {
	Log *zap.Logger
}

func (s *LogSink) Write(t Table) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	for _, row := range t.Rows {
		fields := make([]zap.Field, 0, len(row))
		for i, col := range t.Header {
			if i < len(row) {
				fields = append(fields, zap.String(col, row[i]))
			}
		}
		log.Info(t.Title, fields...)
	}
	return nil
}

// MultiSink fans one table out to several sinks; the first error wins but
// every sink is attempted.
type MultiSink []Sink

func (m MultiSink) Write(t Table) error {
	var first error
	for _, s := range m {
		if err := s.Write(t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CloneTable renders clone results in the order the orchestrator produced
// them.
func CloneTable(results []replicate.Result) Table {
	t := Table{
		Title:  "clone results",
		Header: []string{"job_id", "source_id", "market", "name", "new_id", "owner", "owner_email", "status", "notes"},
	}
	for _, r := range results {
		status := "Success"
		if !r.Succeeded() {
			status = "Failed"
			if r.Err != nil {
				status = "Failed: " + r.Err.Error()
			}
		}
		newID := ""
		if r.NewID > 0 {
			newID = strconv.FormatInt(r.NewID, 10)
		}
		t.Rows = append(t.Rows, []string{
			r.JobID,
			strconv.FormatInt(r.SourceID, 10),
			r.MarketCode,
			r.Name,
			newID,
			r.OwnerName,
			r.OwnerEmail,
			status,
			strings.Join(r.Notes, "; "),
		})
	}
	return t
}

// ApprovalTable renders a batch result in submission order.
func ApprovalTable(res *approval.BatchResult) Table {
	t := Table{
		Title:  "approval results",
		Header: []string{"definition_id", "campaign_id", "market_id", "state", "diagnostics"},
	}
	for _, j := range res.Jobs {
		t.Rows = append(t.Rows, []string{
			strconv.FormatInt(j.DefinitionID, 10),
			strconv.FormatInt(j.CampaignID, 10),
			strconv.Itoa(j.MarketID),
			j.State.String(),
			j.Diag,
		})
	}
	if res.SentinelWarning != "" {
		t.Rows = append(t.Rows, []string{"", "", "", "WARNING", res.SentinelWarning})
	}
	return t
}
