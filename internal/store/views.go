package store

import "fmt"

// createViews (re)creates the reporting views. DROP+CREATE keeps view
// definitions current after upgrades without a migration table.
func (s *Store) createViews() error {
	stmts := []string{
		`DROP VIEW IF EXISTS vw_pending`,
		`CREATE VIEW vw_pending AS
		 SELECT key, internal_id, issue_date, document_number, date_key, has_error, last_error_message
		 FROM invoices
		 WHERE downloaded = 0 AND document_empty = 0
		 ORDER BY date_key DESC`,

		`DROP VIEW IF EXISTS vw_errored`,
		`CREATE VIEW vw_errored AS
		 SELECT key, internal_id, issue_date, document_number, last_error_message, updated_at
		 FROM invoices
		 WHERE has_error = 1
		 ORDER BY updated_at DESC`,

		`DROP VIEW IF EXISTS vw_daily_summary`,
		`CREATE VIEW vw_daily_summary AS
		 SELECT date_key,
		        COUNT(*) AS listed,
		        SUM(CASE WHEN downloaded = 1 THEN 1 ELSE 0 END) AS downloaded,
		        SUM(CASE WHEN has_error = 1 THEN 1 ELSE 0 END) AS errored,
		        SUM(total_value) AS total_value
		 FROM invoices
		 WHERE date_key > 0
		 GROUP BY date_key
		 ORDER BY date_key DESC`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create view: %w", err)
		}
	}
	return nil
}
