package report

import (
	"encoding/csv"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/approval"
	"segforge/internal/replicate"
)

func TestCSVSinkWritesTimestampedFile(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(dir)
	s.now = func() time.Time { return time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC) }

	table := Table{
		Title:  "clone results",
		Header: []string{"a", "b"},
		Rows:   [][]string{{"1", "x"}, {"2", "y, with comma"}},
	}
	require.NoError(t, s.Write(table))

	path := s.Path("clone results")
	assert.Contains(t, path, "clone_results_20260830_140500.csv")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"a", "b"}, records[0])
	assert.Equal(t, []string{"2", "y, with comma"}, records[2])
}

func TestCloneTableOrderAndStatus(t *testing.T) {
	results := []replicate.Result{
		{JobID: "j1", SourceID: 10, MarketCode: "UK", Name: "UK_X", NewID: 900, OwnerName: "Team", OwnerEmail: "jsmith"},
		{JobID: "j2", SourceID: 10, MarketCode: "FR", Name: "FR_X", Err: errors.New("create failed"), Notes: []string{"check locale"}},
	}
	table := CloneTable(results)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "UK", table.Rows[0][2])
	assert.Equal(t, "Success", table.Rows[0][7])
	assert.Equal(t, "900", table.Rows[0][4])
	assert.Equal(t, "Failed: create failed", table.Rows[1][7])
	assert.Equal(t, "", table.Rows[1][4])
	assert.Equal(t, "check locale", table.Rows[1][8])
}

func TestApprovalTableCarriesSentinelWarning(t *testing.T) {
	res := &approval.BatchResult{
		Jobs: []*approval.Job{
			{DefinitionID: 1, CampaignID: 11, MarketID: 3, State: approval.StateVerified},
			{DefinitionID: 2, CampaignID: 22, MarketID: 4, State: approval.StateFailed, Diag: "upload failed: 400"},
		},
		SentinelWarning: "ingestion evidence never appeared",
	}
	table := ApprovalTable(res)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, "VERIFIED", table.Rows[0][3])
	assert.Equal(t, "FAILED", table.Rows[1][3])
	assert.Equal(t, "upload failed: 400", table.Rows[1][4])
	assert.Equal(t, "WARNING", table.Rows[2][3])
}

type failingSink struct{ err error }

func (s *failingSink) Write(Table) error { return s.err }

type countingSink struct{ n int }

func (s *countingSink) Write(Table) error { s.n++; return nil }

func TestMultiSinkAttemptsAllSinks(t *testing.T) {
	c := &countingSink{}
	f := &failingSink{err: errors.New("disk full")}
	m := MultiSink{f, c}
	err := m.Write(Table{Title: "t"})
	require.Error(t, err)
	assert.Equal(t, 1, c.n)
}
