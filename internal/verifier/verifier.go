// Package verifier reconciles the database with the document tree. Files
// that landed on disk outside a normal run (manual moves, restored
// backups) are adopted into the downloaded state, and downloaded rows
// whose file has gone missing are reported so an operator can reset them.
package verifier

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/omielabs/omie-nfe-extractor/internal/store"
	"github.com/omielabs/omie-nfe-extractor/pkg/logging"
	"github.com/omielabs/omie-nfe-extractor/pkg/sharding"
)

// Report summarizes one reconciliation pass.
type Report struct {
	PendingChecked int64 `json:"pending_checked"`
	Adopted        int64 `json:"adopted"`
	MissingFiles   int64 `json:"missing_files"`
}

// Verifier probes the shard tree for pending rows and validates recorded
// file paths.
type Verifier struct {
	store  *store.Store
	scheme *sharding.Scheme
	logger zerolog.Logger
}

// New creates a Verifier sharing the extractor's store and shard scheme.
func New(s *store.Store, scheme *sharding.Scheme) *Verifier {
	return &Verifier{
		store:  s,
		scheme: scheme,
		logger: logging.NewLogger("verifier"),
	}
}

// Run performs one reconciliation pass. Pending rows with a file already
// on disk are marked downloaded; downloaded rows with a missing or empty
// path are counted but never mutated, a reset is the operator's call.
func (v *Verifier) Run(ctx context.Context) (Report, error) {
	var report Report

	pending, err := v.store.PendingForDownload()
	if err != nil {
		return report, err
	}

	for _, row := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.PendingChecked++

		path, ok, err := v.scheme.Locate(row.Key, row.IssueDate, row.DocumentNumber)
		if err != nil {
			// Rows with unparseable dates cannot be probed; the download
			// run will surface the same problem per-row.
			v.logger.Warn().Str("key", row.Key).Err(err).Msg("Cannot probe disk for row")
			continue
		}
		if !ok {
			continue
		}

		if err := v.store.MarkDownloaded(row.Key, path, true); err != nil {
			return report, err
		}
		report.Adopted++
		v.logger.Debug().Str("key", row.Key).Str("path", path).Msg("Adopted file from disk")
	}

	downloaded, err := v.store.DownloadedFiles()
	if err != nil {
		return report, err
	}
	for _, row := range downloaded {
		if row.FilePath == nil || *row.FilePath == "" {
			report.MissingFiles++
			continue
		}
		if _, err := os.Stat(*row.FilePath); err != nil {
			report.MissingFiles++
			v.logger.Warn().Str("key", row.Key).Str("path", *row.FilePath).
				Msg("Downloaded row has no file on disk")
		}
	}

	v.logger.Info().
		Int64("pending_checked", report.PendingChecked).
		Int64("adopted", report.Adopted).
		Int64("missing_files", report.MissingFiles).
		Msg("Reconciliation pass finished")
	return report, nil
}
