// Package lister walks the paginated invoice listing for a date range and
// persists normalized records. Listing is idempotent: re-running a range
// only inserts keys not yet known.
package lister

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/omielabs/omie-nfe-extractor/internal/store"
	"github.com/omielabs/omie-nfe-extractor/pkg/client"
	"github.com/omielabs/omie-nfe-extractor/pkg/logging"
	"github.com/omielabs/omie-nfe-extractor/pkg/sharding"
)

var (
	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omie_listing_pages_total",
		Help: "Total listing pages fetched",
	})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omie_listing_records_total",
		Help: "Total listing records by outcome",
	}, []string{"outcome"})
)

// DefaultPageSize matches the API's maximum listing page size.
const DefaultPageSize = 500

// Stats accumulates one listing run.
type Stats struct {
	Pages      int64 `json:"pages"`
	Listed     int64 `json:"listed"`
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Skipped    int64 `json:"skipped"`
}

func (s *Stats) add(other Stats) {
	s.Pages += other.Pages
	s.Listed += other.Listed
	s.Inserted += other.Inserted
	s.Duplicates += other.Duplicates
	s.Skipped += other.Skipped
}

// DateRange is one inclusive DD/MM/YYYY listing window.
type DateRange struct {
	Start string
	End   string
}

// Lister pages through the invoice listing and feeds the store.
type Lister struct {
	client *client.Client
	store  *store.Store
	logger zerolog.Logger
}

// New creates a Lister.
func New(c *client.Client, s *store.Store) *Lister {
	return &Lister{
		client: c,
		store:  s,
		logger: logging.NewLogger("lister"),
	}
}

// listingRecord mirrors the nested shape of one nfCadastro entry. Only the
// sub-objects the extraction needs are decoded.
type listingRecord struct {
	Compl struct {
		Key        string `json:"cChaveNFe"`
		InternalID int64  `json:"nIdNF"`
		OrderID    int64  `json:"nIdPedido"`
	} `json:"compl"`
	Ide struct {
		IssueDate string `json:"dEmi"`
		Number    string `json:"nNF"`
		Series    string `json:"serie"`
	} `json:"ide"`
	Dest struct {
		TaxID string `json:"cnpj_cpf"`
		Name  string `json:"cRazao"`
	} `json:"nfDestInt"`
	Total struct {
		ICMSTot struct {
			Value float64 `json:"vNF"`
		} `json:"ICMSTot"`
	} `json:"total"`
}

// normalize flattens one raw listing record into an InvoiceRecord. The key
// and a parseable issue date are required; anything else degrades to its
// zero value.
func normalize(raw json.RawMessage) (store.InvoiceRecord, error) {
	var rec listingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return store.InvoiceRecord{}, fmt.Errorf("decode listing record: %w", err)
	}

	key := sharding.NormalizeKey(rec.Compl.Key)
	if key == "" {
		return store.InvoiceRecord{}, fmt.Errorf("record key: %w", sharding.ErrMissingField)
	}

	issued, err := sharding.NormalizeDate(rec.Ide.IssueDate)
	if err != nil {
		return store.InvoiceRecord{}, fmt.Errorf("record issue date %q: %w", rec.Ide.IssueDate, err)
	}

	return store.InvoiceRecord{
		Key:              key,
		InternalID:       rec.Compl.InternalID,
		OrderID:          rec.Compl.OrderID,
		IssueDate:        sharding.FormatDate(issued),
		DocumentNumber:   rec.Ide.Number,
		Series:           rec.Ide.Series,
		CounterpartTaxID: rec.Dest.TaxID,
		CounterpartName:  rec.Dest.Name,
		TotalValue:       rec.Total.ICMSTot.Value,
		DateKey:          sharding.DateKey(issued),
		MonthKey:         sharding.MonthKey(issued),
	}, nil
}

// Run lists every page of [start, end] sequentially and persists the
// records. Records that fail normalization are skipped and counted, never
// fatal. An unexpectedly empty page terminates the walk early.
func (l *Lister) Run(ctx context.Context, start, end string, pageSize int) (Stats, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var stats Stats
	totalPages := 1

	for page := 1; page <= totalPages; page++ {
		resp, err := l.client.ListInvoices(ctx, client.ListRequest{
			StartDate: start,
			EndDate:   end,
			Page:      page,
			PageSize:  pageSize,
		})
		if err != nil {
			return stats, fmt.Errorf("list page %d of %s..%s: %w", page, start, end, err)
		}
		totalPages = resp.TotalPages
		stats.Pages++
		pagesTotal.Inc()

		if len(resp.Records) == 0 {
			// The remote sometimes reports more pages than it can deliver
			// near the end of a range.
			l.logger.Info().
				Int("page", page).
				Int("total_pages", totalPages).
				Msg("Empty listing page, terminating range early")
			break
		}

		batch := make([]store.InvoiceRecord, 0, len(resp.Records))
		for _, raw := range resp.Records {
			rec, err := normalize(raw)
			if err != nil {
				stats.Skipped++
				recordsTotal.WithLabelValues("skipped").Inc()
				l.logger.Warn().Err(err).Int("page", page).Msg("Skipping malformed listing record")
				continue
			}
			batch = append(batch, rec)
		}
		stats.Listed += int64(len(batch))

		inserted, err := l.store.UpsertListingBatch(batch)
		if err != nil {
			return stats, fmt.Errorf("persist page %d: %w", page, err)
		}
		stats.Inserted += inserted
		stats.Duplicates += int64(len(batch)) - inserted
		recordsTotal.WithLabelValues("inserted").Add(float64(inserted))
		recordsTotal.WithLabelValues("duplicate").Add(float64(int64(len(batch)) - inserted))

		l.logger.Info().
			Int("page", page).
			Int("total_pages", totalPages).
			Int("records", len(batch)).
			Int64("inserted", inserted).
			Msg("Listing page persisted")
	}

	return stats, nil
}

// RunStreams lists multiple date ranges concurrently, at most maxStreams at
// a time. The ranges share the client's permit pool, so overall throughput
// still honors the global rate budget.
func (l *Lister) RunStreams(ctx context.Context, ranges []DateRange, pageSize, maxStreams int) (Stats, error) {
	if maxStreams <= 0 {
		maxStreams = 1
	}

	var (
		mu    sync.Mutex
		total Stats
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxStreams)

	for _, r := range ranges {
		r := r
		g.Go(func() error {
			stats, err := l.Run(ctx, r.Start, r.End, pageSize)

			mu.Lock()
			total.add(stats)
			mu.Unlock()

			if err != nil {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}
