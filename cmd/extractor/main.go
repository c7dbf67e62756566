// Command extractor runs one full extraction cycle: list the configured
// date range, reconcile the database with files already on disk, then
// download every pending invoice XML into the sharded output tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/omielabs/omie-nfe-extractor/internal/config"
	"github.com/omielabs/omie-nfe-extractor/internal/downloader"
	"github.com/omielabs/omie-nfe-extractor/internal/lister"
	"github.com/omielabs/omie-nfe-extractor/internal/store"
	"github.com/omielabs/omie-nfe-extractor/internal/verifier"
	"github.com/omielabs/omie-nfe-extractor/pkg/client"
	"github.com/omielabs/omie-nfe-extractor/pkg/health"
	"github.com/omielabs/omie-nfe-extractor/pkg/logging"
	"github.com/omielabs/omie-nfe-extractor/pkg/sharding"
)

func main() {
	configPath := flag.String("config", "", "path to configuracao.ini (default: ./configuracao.ini)")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	skipListing := flag.Bool("skip-listing", false, "skip the listing phase, only download pending rows")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Extractor.LogLevel),
		Pretty: *pretty,
	})
	logger := logging.NewLogger("extractor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Extractor.MetricsAddr != "" {
		go serveMetrics(cfg.Extractor.MetricsAddr)
	}

	if err := run(ctx, cfg, *skipListing); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn().Msg("Run interrupted")
			os.Exit(130)
		}
		logger.Error().Err(err).Msg("Run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, skipListing bool) error {
	logger := logging.NewLogger("extractor")
	start := time.Now()

	db, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	monitor := health.NewMonitor()
	apiClient, err := client.New(client.Config{
		AppKey:         cfg.API.AppKey,
		AppSecret:      cfg.API.AppSecret,
		ListURL:        cfg.API.ListURL,
		FetchURL:       cfg.API.FetchURL,
		CallsPerSecond: cfg.API.CallsPerSecond,
	}, monitor)
	if err != nil {
		return err
	}

	scheme := sharding.NewScheme(cfg.Paths.OutputDir)

	logger.Info().
		Str("start_date", cfg.Query.StartDate).
		Str("end_date", cfg.Query.EndDate).
		Str("output_dir", cfg.Paths.OutputDir).
		Str("db_path", cfg.Paths.DBPath).
		Int("calls_per_second", cfg.API.CallsPerSecond).
		Msg("Extraction cycle starting")

	if !skipListing {
		stats, err := lister.New(apiClient, db).Run(ctx, cfg.Query.StartDate, cfg.Query.EndDate, cfg.Query.RecordsPerPage)
		if err != nil {
			return fmt.Errorf("listing phase: %w", err)
		}
		logger.Info().
			Int64("pages", stats.Pages).
			Int64("listed", stats.Listed).
			Int64("inserted", stats.Inserted).
			Int64("duplicates", stats.Duplicates).
			Int64("skipped", stats.Skipped).
			Msg("Listing phase finished")

		if updated, err := db.RefreshDateKeys(); err != nil {
			return fmt.Errorf("refresh date keys: %w", err)
		} else if updated > 0 {
			logger.Info().Int64("updated", updated).Msg("Legacy rows received date keys")
		}
	}

	report, err := verifier.New(db, scheme).Run(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation phase: %w", err)
	}
	if report.MissingFiles > 0 {
		logger.Warn().Int64("missing_files", report.MissingFiles).
			Msg("Downloaded rows without a file on disk, consider a reset")
	}

	summary, err := downloader.New(apiClient, db, scheme, cfg.Extractor.Workers).Run(ctx)
	if err != nil {
		return fmt.Errorf("download phase: %w", err)
	}

	counts, err := db.CountsByStatus()
	if err != nil {
		return fmt.Errorf("final counts: %w", err)
	}

	snap := monitor.Snapshot()
	logger.Info().
		Dur("elapsed", time.Since(start)).
		Int64("downloaded", summary.Downloaded).
		Int64("already_present", summary.AlreadyPresent+report.Adopted).
		Int64("empty", summary.Empty).
		Int64("errors", summary.Errors).
		Int64("db_total", counts.Total).
		Int64("db_pending", counts.Pending).
		Str("api_tier", string(snap.Tier)).
		Int64("api_rate_limited", snap.TotalRateLimited).
		Int64("api_server_errors", snap.TotalServerError).
		Msg("Extraction cycle finished")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("Metrics listener stopped")
	}
}
