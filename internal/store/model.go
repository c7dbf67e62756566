// Package store persists invoice metadata and download state in a local
// SQLite database. The 44-digit access key is the natural primary key;
// listing inserts are insert-or-ignore so re-listing an already-covered
// date range is a cheap no-op.
package store

import "time"

// InvoiceRecord is one listed invoice and its download lifecycle. A row is
// born from the listing with downloaded=false and moves through exactly one
// of: downloaded (file on disk), document_empty (remote returned no
// content), or has_error (last attempt failed; retried on the next run).
type InvoiceRecord struct {
	// Key is the 44-digit NFe access key.
	Key string `gorm:"primaryKey;size:44;column:key"`

	// InternalID and OrderID are the remote system's identifiers.
	// InternalID is the preferred document-fetch handle.
	InternalID int64 `gorm:"column:internal_id"`
	OrderID    int64 `gorm:"column:order_id"`

	// IssueDate is the canonical DD/MM/YYYY issue date as listed.
	IssueDate string `gorm:"size:10;column:issue_date"`

	DocumentNumber string `gorm:"size:20;column:document_number"`
	Series         string `gorm:"size:5;column:series"`

	CounterpartTaxID string `gorm:"size:20;column:counterpart_tax_id"`
	CounterpartName  string `gorm:"size:200;column:counterpart_name"`

	TotalValue float64 `gorm:"column:total_value"`

	// DateKey (YYYYMMDD) and MonthKey (YYYYMM) are derived from IssueDate
	// at insert time and drive ordering and the daily summary view.
	DateKey  int `gorm:"index;column:date_key"`
	MonthKey int `gorm:"column:month_key"`

	Downloaded    bool `gorm:"index;column:downloaded"`
	DocumentEmpty bool `gorm:"column:document_empty"`
	HasError      bool `gorm:"column:has_error"`

	FilePath         *string `gorm:"column:file_path"`
	LastErrorMessage *string `gorm:"column:last_error_message"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName keeps the legacy table name so existing databases stay usable.
func (InvoiceRecord) TableName() string {
	return "invoices"
}

// PendingRow is the projection the download orchestrator works from.
type PendingRow struct {
	Key            string
	InternalID     int64
	IssueDate      string
	DocumentNumber string
	DateKey        int
}

// DownloadedFile pairs a downloaded row with its recorded file path.
type DownloadedFile struct {
	Key      string
	FilePath *string
}

// StatusCounts summarizes the table by download lifecycle state.
type StatusCounts struct {
	Total      int64 `json:"total"`
	Downloaded int64 `json:"downloaded"`
	Pending    int64 `json:"pending"`
	Empty      int64 `json:"empty"`
	Errored    int64 `json:"errored"`
}

// DailySummaryRow is one day of the vw_daily_summary view.
type DailySummaryRow struct {
	DateKey    int     `gorm:"column:date_key" json:"date_key"`
	Listed     int64   `gorm:"column:listed" json:"listed"`
	Downloaded int64   `gorm:"column:downloaded" json:"downloaded"`
	Errored    int64   `gorm:"column:errored" json:"errored"`
	TotalValue float64 `gorm:"column:total_value" json:"total_value"`
}
