package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "35250714200166000196550010000000011000000017"
	keyB = "35250714200166000196550010000000021000000028"
	keyC = "35250814200166000196550010000000031000000039"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "invoices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(key, issueDate string, dateKey, monthKey int) InvoiceRecord {
	return InvoiceRecord{
		Key:            key,
		InternalID:     1000,
		IssueDate:      issueDate,
		DocumentNumber: "100",
		Series:         "1",
		TotalValue:     150.50,
		DateKey:        dateKey,
		MonthKey:       monthKey,
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoices.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.UpsertListingBatch([]InvoiceRecord{testRecord(keyA, "21/07/2025", 20250721, 202507)})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Opening an existing database migrates and verifies in place.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Get(keyA)
	require.NoError(t, err)
	assert.Equal(t, "21/07/2025", rec.IssueDate)
}

func TestUpsertListingBatch_IgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)

	inserted, err := s.UpsertListingBatch([]InvoiceRecord{
		testRecord(keyA, "21/07/2025", 20250721, 202507),
		testRecord(keyB, "22/07/2025", 20250722, 202507),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	// Re-listing the same range plus one new record inserts only the new
	// one and never clobbers existing state.
	require.NoError(t, s.MarkDownloaded(keyA, "/data/a.xml", false))

	inserted, err = s.UpsertListingBatch([]InvoiceRecord{
		testRecord(keyA, "21/07/2025", 20250721, 202507),
		testRecord(keyB, "22/07/2025", 20250722, 202507),
		testRecord(keyC, "01/08/2025", 20250801, 202508),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	rec, err := s.Get(keyA)
	require.NoError(t, err)
	assert.True(t, rec.Downloaded, "re-listing must not reset download state")
}

func TestUpsertListingBatch_Empty(t *testing.T) {
	s := openTestStore(t)
	inserted, err := s.UpsertListingBatch(nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestPendingForDownload_OrderAndFiltering(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpsertListingBatch([]InvoiceRecord{
		testRecord(keyA, "21/07/2025", 20250721, 202507),
		testRecord(keyB, "22/07/2025", 20250722, 202507),
		testRecord(keyC, "01/08/2025", 20250801, 202508),
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkDownloaded(keyB, "/data/b.xml", false))

	pending, err := s.PendingForDownload()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, keyC, pending[0].Key, "newest date_key first")
	assert.Equal(t, keyA, pending[1].Key)

	// Errored rows stay pending; empty rows drop out.
	require.NoError(t, s.MarkError(keyA, "HTTP 500"))
	require.NoError(t, s.MarkEmpty(keyC))

	pending, err = s.PendingForDownload()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, keyA, pending[0].Key)
}

func TestMarkTransitions(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpsertListingBatch([]InvoiceRecord{testRecord(keyA, "21/07/2025", 20250721, 202507)})
	require.NoError(t, err)

	require.NoError(t, s.MarkError(keyA, "HTTP 425"))
	rec, err := s.Get(keyA)
	require.NoError(t, err)
	assert.True(t, rec.HasError)
	require.NotNil(t, rec.LastErrorMessage)
	assert.Equal(t, "HTTP 425", *rec.LastErrorMessage)

	// A later success clears the error state.
	require.NoError(t, s.MarkDownloaded(keyA, "/data/a.xml", false))
	rec, err = s.Get(keyA)
	require.NoError(t, err)
	assert.True(t, rec.Downloaded)
	assert.False(t, rec.HasError)
	assert.Nil(t, rec.LastErrorMessage)
	require.NotNil(t, rec.FilePath)
	assert.Equal(t, "/data/a.xml", *rec.FilePath)
}

func TestMark_UnknownKey(t *testing.T) {
	s := openTestStore(t)

	assert.ErrorIs(t, s.MarkDownloaded(keyA, "/x.xml", false), ErrNotFound)
	assert.ErrorIs(t, s.MarkEmpty(keyA), ErrNotFound)
	assert.ErrorIs(t, s.MarkError(keyA, "boom"), ErrNotFound)

	_, err := s.Get(keyA)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRefreshDateKeys(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpsertListingBatch([]InvoiceRecord{
		testRecord(keyA, "21/07/2025", 0, 0), // simulates a legacy row
		testRecord(keyB, "22/07/2025", 20250722, 202507),
		testRecord(keyC, "not-a-date", 0, 0),
	})
	require.NoError(t, err)

	updated, err := s.RefreshDateKeys()
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	rec, err := s.Get(keyA)
	require.NoError(t, err)
	assert.Equal(t, 20250721, rec.DateKey)
	assert.Equal(t, 202507, rec.MonthKey)

	// Second pass is a no-op.
	updated, err = s.RefreshDateKeys()
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestCountsByStatus(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpsertListingBatch([]InvoiceRecord{
		testRecord(keyA, "21/07/2025", 20250721, 202507),
		testRecord(keyB, "22/07/2025", 20250722, 202507),
		testRecord(keyC, "01/08/2025", 20250801, 202508),
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkDownloaded(keyA, "/data/a.xml", false))
	require.NoError(t, s.MarkEmpty(keyB))
	require.NoError(t, s.MarkError(keyC, "HTTP 500"))

	counts, err := s.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{
		Total:      3,
		Downloaded: 1,
		Pending:    1,
		Empty:      1,
		Errored:    1,
	}, counts)
}

func TestDailySummary(t *testing.T) {
	s := openTestStore(t)

	recA := testRecord(keyA, "21/07/2025", 20250721, 202507)
	recB := testRecord(keyB, "21/07/2025", 20250721, 202507)
	recB.TotalValue = 49.50
	recC := testRecord(keyC, "01/08/2025", 20250801, 202508)

	_, err := s.UpsertListingBatch([]InvoiceRecord{recA, recB, recC})
	require.NoError(t, err)
	require.NoError(t, s.MarkDownloaded(keyA, "/data/a.xml", false))

	rows, err := s.DailySummary(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 20250801, rows[0].DateKey, "newest day first")
	assert.Equal(t, 20250721, rows[1].DateKey)
	assert.Equal(t, int64(2), rows[1].Listed)
	assert.Equal(t, int64(1), rows[1].Downloaded)
	assert.InDelta(t, 200.0, rows[1].TotalValue, 0.001)
}
