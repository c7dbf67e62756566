// Package downloader drains the pending download set over a bounded worker
// pool, writing invoice XML documents into the sharded directory tree and
// recording each outcome independently. A failed row never stops the run;
// only a broken store does.
package downloader

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/omielabs/omie-nfe-extractor/internal/store"
	"github.com/omielabs/omie-nfe-extractor/pkg/client"
	"github.com/omielabs/omie-nfe-extractor/pkg/logging"
	"github.com/omielabs/omie-nfe-extractor/pkg/sharding"
)

var downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "omie_downloads_total",
	Help: "Download outcomes per pending row",
}, []string{"outcome"})

// DefaultWorkers matches the client's default rate budget so workers spend
// their time waiting on the pacing gate, not on each other.
const DefaultWorkers = 4

// progressEvery is the row interval for progress log lines during long runs.
const progressEvery = 200

// Summary accumulates one download run.
type Summary struct {
	Total          int64 `json:"total"`
	Downloaded     int64 `json:"downloaded"`
	AlreadyPresent int64 `json:"already_present"`
	Empty          int64 `json:"empty"`
	Errors         int64 `json:"errors"`
}

// Orchestrator fans pending rows out to download workers.
type Orchestrator struct {
	client  *client.Client
	store   *store.Store
	scheme  *sharding.Scheme
	workers int
	logger  zerolog.Logger
}

// New creates an Orchestrator with the given worker count (<=0 means
// DefaultWorkers).
func New(c *client.Client, s *store.Store, scheme *sharding.Scheme, workers int) *Orchestrator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Orchestrator{
		client:  c,
		store:   s,
		scheme:  scheme,
		workers: workers,
		logger:  logging.NewLogger("downloader"),
	}
}

// Run reads the pending set once and processes every row. Cancellation
// stops the feed; in-flight rows finish their write and mark before the
// workers drain.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	pending, err := o.store.PendingForDownload()
	if err != nil {
		return Summary{}, fmt.Errorf("read pending set: %w", err)
	}

	summary := Summary{Total: int64(len(pending))}
	if len(pending) == 0 {
		o.logger.Info().Msg("No pending downloads")
		return summary, nil
	}

	o.logger.Info().
		Int("pending", len(pending)).
		Int("workers", o.workers).
		Msg("Starting download run")

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		jobs      = make(chan store.PendingRow)
		processed int64
		fatal     error
		fatalMu   sync.Mutex
	)

	setFatal := func(err error) {
		fatalMu.Lock()
		if fatal == nil {
			fatal = err
		}
		fatalMu.Unlock()
	}
	hasFatal := func() bool {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatal != nil
	}

	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				// A fatal error abandons the run, but the workers keep
				// draining so the feeder's unbuffered send never blocks
				// on a pool with no receivers.
				if hasFatal() {
					continue
				}
				outcome, err := o.processRow(ctx, row)
				if err != nil {
					// Only store writes surface here; everything else is
					// absorbed into the row's error state.
					setFatal(err)
					continue
				}
				mu.Lock()
				switch outcome {
				case "downloaded":
					summary.Downloaded++
				case "already_present":
					summary.AlreadyPresent++
				case "empty":
					summary.Empty++
				case "error":
					summary.Errors++
				}
				processed++
				done := processed
				mu.Unlock()
				downloadsTotal.WithLabelValues(outcome).Inc()

				if done%progressEvery == 0 {
					o.logger.Info().
						Int64("processed", done).
						Int64("total", summary.Total).
						Msg("Download progress")
				}
			}
		}()
	}

feed:
	for _, row := range pending {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- row:
		}
	}
	close(jobs)
	wg.Wait()

	if fatal != nil {
		return summary, fatal
	}

	o.logger.Info().
		Int64("total", summary.Total).
		Int64("downloaded", summary.Downloaded).
		Int64("already_present", summary.AlreadyPresent).
		Int64("empty", summary.Empty).
		Int64("errors", summary.Errors).
		Msg("Download run finished")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// processRow handles one pending row end to end. The returned error is
// fatal for the run (store failure); per-row download failures come back
// as the "error" outcome.
func (o *Orchestrator) processRow(ctx context.Context, row store.PendingRow) (string, error) {
	logger := o.logger.With().Str("key", row.Key).Logger()

	// A file already on disk costs zero network calls.
	if path, ok, err := o.scheme.Locate(row.Key, row.IssueDate, row.DocumentNumber); err == nil && ok {
		if err := o.store.MarkDownloaded(row.Key, path, true); err != nil {
			return "", err
		}
		logger.Debug().Str("path", path).Msg("Document already on disk")
		return "already_present", nil
	}

	content, err := o.client.FetchDocument(ctx, row.InternalID, row.Key)
	if err != nil {
		if markErr := o.store.MarkError(row.Key, err.Error()); markErr != nil {
			return "", markErr
		}
		logger.Warn().Err(err).Msg("Document fetch failed")
		return "error", nil
	}

	if strings.TrimSpace(content) == "" {
		if err := o.store.MarkEmpty(row.Key); err != nil {
			return "", err
		}
		logger.Info().Msg("Remote returned empty document")
		return "empty", nil
	}

	_, path, err := o.scheme.ResolveForWrite(row.Key, row.IssueDate, row.DocumentNumber)
	if err != nil {
		if markErr := o.store.MarkError(row.Key, err.Error()); markErr != nil {
			return "", markErr
		}
		logger.Warn().Err(err).Msg("Shard resolution failed")
		return "error", nil
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		// Drop the reserved placeholder so a later run does not adopt an
		// empty file as a finished download.
		os.Remove(path)
		if markErr := o.store.MarkError(row.Key, err.Error()); markErr != nil {
			return "", markErr
		}
		logger.Warn().Err(err).Str("path", path).Msg("Document write failed")
		return "error", nil
	}

	if err := o.store.MarkDownloaded(row.Key, path, false); err != nil {
		return "", err
	}
	logger.Debug().Str("path", path).Msg("Document downloaded")
	return "downloaded", nil
}
