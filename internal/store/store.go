package store

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omielabs/omie-nfe-extractor/pkg/logging"
	"github.com/omielabs/omie-nfe-extractor/pkg/sharding"
)

// Sentinel errors.
var (
	// ErrSchemaMismatch means the database file exists but its invoices
	// table does not carry the expected columns.
	ErrSchemaMismatch = errors.New("database schema mismatch")

	// ErrNotFound means no row matched the given key.
	ErrNotFound = errors.New("invoice record not found")
)

// upsertBatchSize bounds the number of rows per INSERT statement.
const upsertBatchSize = 500

// Store wraps the SQLite database. Methods are safe for concurrent use;
// each write is independently committed so a crash never loses more than
// the in-flight row.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open connects to the SQLite database at path, creating and migrating it
// as needed. WAL journaling keeps the listing writer and download workers
// from blocking each other.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&InvoiceRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{db: db, logger: logging.NewLogger("store")}
	if err := s.verifySchema(); err != nil {
		return nil, err
	}
	if err := s.createIndices(); err != nil {
		return nil, err
	}
	if err := s.createViews(); err != nil {
		return nil, err
	}
	return s, nil
}

// verifySchema checks that the columns the queries depend on exist. A
// database created by an incompatible version fails here instead of with
// an opaque query error later.
func (s *Store) verifySchema() error {
	for _, column := range []string{"key", "internal_id", "issue_date", "date_key", "downloaded", "has_error", "document_empty", "file_path"} {
		if !s.db.Migrator().HasColumn(&InvoiceRecord{}, column) {
			return fmt.Errorf("%w: missing column %q", ErrSchemaMismatch, column)
		}
	}
	return nil
}

// createIndices adds the covering and partial indices the hot queries use.
// All statements are IF NOT EXISTS so Open is idempotent.
func (s *Store) createIndices() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_invoices_downloaded_error ON invoices (downloaded, has_error)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_pending ON invoices (date_key DESC) WHERE downloaded = 0 AND document_empty = 0`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_empty ON invoices (key) WHERE document_empty = 1`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_month ON invoices (month_key)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// UpsertListingBatch inserts listed records, ignoring keys already present.
// Returns the number of rows actually inserted; the difference against
// len(records) is the duplicate count, which is steady state when listing
// overlapping date ranges.
func (s *Store) UpsertListingBatch(records []InvoiceRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(records); start += upsertBatchSize {
			end := start + upsertBatchSize
			if end > len(records) {
				end = len(records)
			}
			batch := records[start:end]

			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoNothing: true,
			}).Create(&batch)
			if res.Error != nil {
				return res.Error
			}
			inserted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert listing batch: %w", err)
	}

	s.logger.Debug().
		Int("records", len(records)).
		Int64("inserted", inserted).
		Int64("duplicates", int64(len(records))-inserted).
		Msg("Listing batch persisted")
	return inserted, nil
}

// PendingForDownload returns every row still awaiting download, newest
// issue dates first so recent invoices land before old backfill.
func (s *Store) PendingForDownload() ([]PendingRow, error) {
	var rows []PendingRow
	err := s.db.Model(&InvoiceRecord{}).
		Select("key, internal_id, issue_date, document_number, date_key").
		Where("downloaded = ? AND document_empty = ?", false, false).
		Order("date_key DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending downloads: %w", err)
	}
	return rows, nil
}

// DownloadedFiles returns the key and recorded file path of every
// downloaded row, for disk reconciliation.
func (s *Store) DownloadedFiles() ([]DownloadedFile, error) {
	var rows []DownloadedFile
	err := s.db.Model(&InvoiceRecord{}).
		Select("key, file_path").
		Where("downloaded = ?", true).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query downloaded files: %w", err)
	}
	return rows, nil
}

// MarkDownloaded records a completed download. alreadyOnDisk distinguishes
// a file found by disk probe from one fetched over the network; both clear
// the error state.
func (s *Store) MarkDownloaded(key, filePath string, alreadyOnDisk bool) error {
	res := s.db.Model(&InvoiceRecord{}).Where("key = ?", key).Updates(map[string]any{
		"downloaded":         true,
		"document_empty":     false,
		"has_error":          false,
		"file_path":          filePath,
		"last_error_message": nil,
	})
	if res.Error != nil {
		return fmt.Errorf("mark downloaded %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark downloaded %s: %w", key, ErrNotFound)
	}

	s.logger.Debug().Str("key", key).Bool("already_on_disk", alreadyOnDisk).Msg("Marked downloaded")
	return nil
}

// MarkEmpty records that the remote returned no document content for this
// key. No file is written; the row is excluded from future pending sets.
func (s *Store) MarkEmpty(key string) error {
	res := s.db.Model(&InvoiceRecord{}).Where("key = ?", key).Updates(map[string]any{
		"document_empty":     true,
		"has_error":          false,
		"last_error_message": nil,
	})
	if res.Error != nil {
		return fmt.Errorf("mark empty %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark empty %s: %w", key, ErrNotFound)
	}
	return nil
}

// MarkError records a failed download attempt. The row stays pending so
// the next run retries it.
func (s *Store) MarkError(key, message string) error {
	res := s.db.Model(&InvoiceRecord{}).Where("key = ?", key).Updates(map[string]any{
		"has_error":          true,
		"last_error_message": message,
	})
	if res.Error != nil {
		return fmt.Errorf("mark error %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark error %s: %w", key, ErrNotFound)
	}
	return nil
}

// ResetDownloadState flips a row back to pending, clearing the file path
// and error state. Used by maintenance tooling after restoring a database
// from backup or repairing the document tree.
func (s *Store) ResetDownloadState(key string) error {
	res := s.db.Model(&InvoiceRecord{}).Where("key = ?", key).Updates(map[string]any{
		"downloaded":         false,
		"document_empty":     false,
		"has_error":          false,
		"file_path":          nil,
		"last_error_message": nil,
	})
	if res.Error != nil {
		return fmt.Errorf("reset download state %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("reset download state %s: %w", key, ErrNotFound)
	}
	return nil
}

// Get returns a single record by key.
func (s *Store) Get(key string) (*InvoiceRecord, error) {
	var rec InvoiceRecord
	err := s.db.First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &rec, nil
}

// RefreshDateKeys derives date_key and month_key from issue_date on rows
// that arrived without them. A maintenance pass for databases populated by
// older tooling; the main listing flow always sets both.
func (s *Store) RefreshDateKeys() (int64, error) {
	var rows []struct {
		Key       string
		IssueDate string
	}
	err := s.db.Model(&InvoiceRecord{}).
		Select("key, issue_date").
		Where("(date_key = 0 OR date_key IS NULL) AND issue_date <> ''").
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("query rows missing date keys: %w", err)
	}

	var updated int64
	for _, row := range rows {
		issued, err := sharding.NormalizeDate(row.IssueDate)
		if err != nil {
			s.logger.Warn().Str("key", row.Key).Str("issue_date", row.IssueDate).
				Msg("Unparseable issue date, leaving date keys unset")
			continue
		}

		res := s.db.Model(&InvoiceRecord{}).Where("key = ?", row.Key).Updates(map[string]any{
			"date_key":  sharding.DateKey(issued),
			"month_key": sharding.MonthKey(issued),
		})
		if res.Error != nil {
			return updated, fmt.Errorf("refresh date keys for %s: %w", row.Key, res.Error)
		}
		updated += res.RowsAffected
	}

	if updated > 0 {
		s.logger.Info().Int64("updated", updated).Msg("Date keys refreshed")
	}
	return updated, nil
}

// CountsByStatus summarizes the table by lifecycle state.
func (s *Store) CountsByStatus() (StatusCounts, error) {
	var c StatusCounts
	err := s.db.Model(&InvoiceRecord{}).
		Select(`COUNT(*) AS total,
			SUM(CASE WHEN downloaded = 1 THEN 1 ELSE 0 END) AS downloaded,
			SUM(CASE WHEN downloaded = 0 AND document_empty = 0 THEN 1 ELSE 0 END) AS pending,
			SUM(CASE WHEN document_empty = 1 THEN 1 ELSE 0 END) AS empty,
			SUM(CASE WHEN has_error = 1 THEN 1 ELSE 0 END) AS errored`).
		Scan(&c).Error
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count by status: %w", err)
	}
	return c, nil
}

// DailySummary returns up to limit days from vw_daily_summary, newest
// first.
func (s *Store) DailySummary(limit int) ([]DailySummaryRow, error) {
	if limit <= 0 {
		limit = 30
	}
	var rows []DailySummaryRow
	err := s.db.Table("vw_daily_summary").Limit(limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query daily summary: %w", err)
	}
	return rows, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
