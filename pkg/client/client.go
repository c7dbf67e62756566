// Package client provides the rate-limited Omie API client with health
// tracking, retry and error classification. Two endpoints are covered:
// invoice listing (ListarNF) and XML document fetch (ObterNfe). The remote
// rate limit is a hard budget; the client caps concurrency with a permit
// pool and caps throughput with a minimum wall-clock interval between call
// starts shared across the whole client.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	healthpkg "github.com/omielabs/omie-nfe-extractor/pkg/health"
	"github.com/omielabs/omie-nfe-extractor/pkg/logging"
)

// Prometheus metrics for API operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omie_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omie_request_duration_seconds",
		Help:    "API request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omie_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// API method names, which double as endpoint selectors: listing methods go
// to the ListURL, document methods to the FetchURL.
const (
	MethodListInvoices  = "ListarNF"
	MethodFetchDocument = "ObterNfe"
)

// Default production endpoints.
const (
	DefaultListURL  = "https://app.omie.com.br/api/v1/produtos/nfconsultar/"
	DefaultFetchURL = "https://app.omie.com.br/api/v1/produtos/dfedocs/"
)

// extremeThrottleFactor widens the pacing interval while the monitor sits
// in TierExtreme, throttling the global call rate on top of per-call
// backoff.
const extremeThrottleFactor = 4

// Config holds the client configuration.
type Config struct {
	// AppKey and AppSecret are the fixed application credentials, carried
	// in every payload (the API does not use auth headers).
	AppKey    string
	AppSecret string

	// ListURL and FetchURL are the two endpoint URLs.
	ListURL  string
	FetchURL string

	// CallsPerSecond is the rate budget. It sizes the concurrency permit
	// pool and sets the minimum interval between call starts.
	CallsPerSecond int

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// Retry is the policy applied to transient failures.
	Retry RetryPolicy
}

// DefaultConfig returns a configuration suitable for the production API.
func DefaultConfig(appKey, appSecret string) Config {
	return Config{
		AppKey:         appKey,
		AppSecret:      appSecret,
		ListURL:        DefaultListURL,
		FetchURL:       DefaultFetchURL,
		CallsPerSecond: 4,
		Timeout:        60 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Client is the rate-limited Omie API client. It is safe for concurrent
// use; listing and document workers share the same permit pool and pacing
// gate.
type Client struct {
	httpClient *http.Client
	config     Config
	monitor    *healthpkg.Monitor
	logger     zerolog.Logger

	// sem caps in-flight calls.
	sem *semaphore.Weighted

	// paceMu guards lastCall, the single process-wide pacing state. The
	// pacing gate is what actually caps throughput; the semaphore only
	// caps concurrency.
	paceMu   sync.Mutex
	lastCall time.Time
}

// envelope is the fixed POST payload shape the API expects.
type envelope struct {
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
	Call      string `json:"call"`
	Param     []any  `json:"param"`
}

// fault mirrors the API's own error indicator inside 200 responses.
type fault struct {
	FaultString string `json:"faultstring"`
	FaultCode   string `json:"faultcode"`
}

// New creates a new client. The health monitor is shared state owned by
// the caller so orchestration code can observe the same view of remote
// health.
func New(cfg Config, monitor *healthpkg.Monitor) (*Client, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("app credentials are required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("health monitor is required")
	}
	if cfg.CallsPerSecond <= 0 {
		return nil, fmt.Errorf("calls_per_second must be positive (got %d)", cfg.CallsPerSecond)
	}
	if cfg.ListURL == "" {
		cfg.ListURL = DefaultListURL
	}
	if cfg.FetchURL == "" {
		cfg.FetchURL = DefaultFetchURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		monitor:    monitor,
		logger:     logging.NewLogger("omie-client"),
		sem:        semaphore.NewWeighted(int64(cfg.CallsPerSecond)),
	}, nil
}

// Monitor exposes the shared health monitor for observability.
func (c *Client) Monitor() *healthpkg.Monitor {
	return c.monitor
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Call performs a single API method call with rate limiting, retry and
// classification, returning the raw JSON response body.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire call permit: %w", err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	var result json.RawMessage
	err := callWithRetry(ctx, c.logger, c.config.Retry, c.monitor, method, func() error {
		return c.doOnce(ctx, method, params, &result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// doOnce performs one paced HTTP exchange and classifies the outcome,
// feeding the health monitor.
func (c *Client) doOnce(ctx context.Context, method string, params any, out *json.RawMessage) error {
	if err := c.pace(ctx); err != nil {
		return err
	}

	payload := envelope{
		AppKey:    c.config.AppKey,
		AppSecret: c.config.AppSecret,
		Call:      method,
		Param:     []any{params},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := c.config.FetchURL
	if method == MethodListInvoices {
		url = c.config.ListURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and transport failures count against the remote's
		// server-error run.
		c.monitor.RecordServerError()
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(method, "network_error").Inc()

		class := ErrorClassNetwork
		if os.IsTimeout(err) {
			c.logger.Warn().Str("method", method).Err(err).Msg("Request timed out")
		} else {
			c.logger.Warn().Str("method", method).Err(err).Msg("Request failed")
		}
		return &APIError{Method: method, Class: class, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(method, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return c.classifyFailure(method, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.monitor.RecordServerError()
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return &APIError{Method: method, Class: ErrorClassNetwork, Message: err.Error(), Err: err}
	}

	// A 200 with a non-object or truncated body, or a body carrying the
	// API's own fault indicator, is a logical failure on the same retry
	// path as a transport failure.
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		c.monitor.RecordServerError()
		errorsTotal.WithLabelValues(string(ErrorClassFault)).Inc()
		return &APIError{Method: method, StatusCode: resp.StatusCode, Class: ErrorClassFault,
			Message: "response body is not a JSON object"}
	}
	var f fault
	if err := json.Unmarshal(trimmed, &f); err == nil && (f.FaultString != "" || f.FaultCode != "") {
		c.monitor.RecordServerError()
		errorsTotal.WithLabelValues(string(ErrorClassFault)).Inc()
		c.logger.Warn().
			Str("method", method).
			Str("faultcode", f.FaultCode).
			Str("faultstring", f.FaultString).
			Msg("API returned fault payload")
		return &APIError{Method: method, StatusCode: resp.StatusCode, Class: ErrorClassFault,
			Message: fmt.Sprintf("%s: %s", f.FaultCode, f.FaultString)}
	}

	c.monitor.RecordSuccess()
	*out = json.RawMessage(trimmed)
	return nil
}

// classifyFailure maps a non-200 response to an APIError and records the
// corresponding health event.
func (c *Client) classifyFailure(method string, resp *http.Response) error {
	class := classifyStatus(resp.StatusCode)
	errorsTotal.WithLabelValues(string(class)).Inc()

	c.logger.Warn().
		Str("method", method).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("API request error")

	switch class {
	case ErrorClassRateLimited:
		c.monitor.RecordRateLimited()
		return &APIError{Method: method, StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
	case ErrorClassServer:
		c.monitor.RecordServerError()
		return &APIError{Method: method, StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
	default:
		// 403/404 and friends: credentials or permission problems do not
		// improve with retry.
		return permanent(method, resp.StatusCode, resp.Status)
	}
}

// pace enforces the minimum wall-clock interval between call starts across
// the whole client. The wait happens while holding the lock: call starts
// are globally serialized by design.
func (c *Client) pace(ctx context.Context) error {
	interval := time.Second / time.Duration(c.config.CallsPerSecond)
	if c.monitor.Tier() == healthpkg.TierExtreme {
		interval *= extremeThrottleFactor
	}

	c.paceMu.Lock()
	defer c.paceMu.Unlock()

	if wait := interval - time.Since(c.lastCall); wait > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}
	c.lastCall = time.Now()
	return nil
}

// ListRequest describes one page of the invoice listing.
type ListRequest struct {
	StartDate string // DD/MM/YYYY
	EndDate   string // DD/MM/YYYY
	Page      int
	PageSize  int
}

// ListPage is one page of the listing response. Records are kept raw; the
// lister owns normalization.
type ListPage struct {
	Page         int               `json:"pagina"`
	TotalPages   int               `json:"total_de_paginas"`
	TotalRecords int               `json:"total_de_registros"`
	Records      []json.RawMessage `json:"nfCadastro"`
}

// ListInvoices fetches one listing page.
func (c *Client) ListInvoices(ctx context.Context, req ListRequest) (*ListPage, error) {
	params := map[string]any{
		"pagina":               req.Page,
		"registros_por_pagina": req.PageSize,
		"apenas_importado_api": "N",
		"dEmiInicial":          req.StartDate,
		"dEmiFinal":            req.EndDate,
		"tpNF":                 1,
		"tpAmb":                1,
		"cDetalhesPedido":      "N",
		"cApenasResumo":        "S",
		"ordenar_por":          "CODIGO",
	}

	raw, err := c.Call(ctx, MethodListInvoices, params)
	if err != nil {
		return nil, err
	}

	var page ListPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode listing page: %w", err)
	}
	if page.TotalPages <= 0 {
		page.TotalPages = 1
	}
	return &page, nil
}

// FetchDocument fetches one invoice XML document. The internal id is
// preferred over the 44-digit key because it is cheaper for the remote
// system to resolve; the key is the fallback. The returned content is
// already HTML-entity-unescaped.
func (c *Client) FetchDocument(ctx context.Context, internalID int64, key string) (string, error) {
	var params map[string]any
	switch {
	case internalID > 0:
		params = map[string]any{"nIdNfe": internalID}
	case strings.TrimSpace(key) != "":
		params = map[string]any{"cChaveNFe": key}
	default:
		return "", fmt.Errorf("fetch document: internal id or key required")
	}

	raw, err := c.Call(ctx, MethodFetchDocument, params)
	if err != nil {
		return "", err
	}

	var doc struct {
		XML string `json:"cXmlNfe"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode document response: %w", err)
	}
	return html.UnescapeString(doc.XML), nil
}
