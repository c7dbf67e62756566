package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omielabs/omie-nfe-extractor/internal/testutil"
	"github.com/omielabs/omie-nfe-extractor/pkg/health"
)

const testKey = "35250714200166000196550010000123451234567890"

func newTestClient(t *testing.T, mock *testutil.MockOmie) (*Client, *health.Monitor) {
	t.Helper()
	monitor := health.NewMonitor()
	c, err := New(Config{
		AppKey:         "test-key",
		AppSecret:      "test-secret",
		ListURL:        mock.URL(),
		FetchURL:       mock.URL(),
		CallsPerSecond: 1000, // keep pacing negligible in tests
		Timeout:        5 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2.0,
		},
	}, monitor)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, monitor
}

func TestNew_Validation(t *testing.T) {
	monitor := health.NewMonitor()

	tests := []struct {
		name    string
		cfg     Config
		monitor *health.Monitor
	}{
		{"missing credentials", Config{CallsPerSecond: 4}, monitor},
		{"missing monitor", DefaultConfig("k", "s"), nil},
		{"zero rate budget", Config{AppKey: "k", AppSecret: "s"}, monitor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.monitor); err == nil {
				t.Error("expected construction error, got nil")
			}
		})
	}
}

func TestClient_ListInvoices(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()

	record := testutil.ListingRecord(testKey, 111, 222, "21/07/2025", "100", "1", "12345678000199", "ACME LTDA", 1234.56)
	mock.Script(MethodListInvoices, testutil.OK(testutil.ListingPage(1, 3, record)))

	c, monitor := newTestClient(t, mock)

	page, err := c.ListInvoices(context.Background(), ListRequest{
		StartDate: "01/07/2025",
		EndDate:   "31/07/2025",
		Page:      1,
		PageSize:  500,
	})
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}

	if page.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", page.TotalPages)
	}
	if len(page.Records) != 1 {
		t.Errorf("Records = %d, want 1", len(page.Records))
	}

	// Credentials ride in the payload, paging params in the single param
	// object.
	params := mock.LastParams(MethodListInvoices)
	if params["dEmiInicial"] != "01/07/2025" {
		t.Errorf("dEmiInicial = %v", params["dEmiInicial"])
	}
	if params["registros_por_pagina"] != float64(500) {
		t.Errorf("registros_por_pagina = %v", params["registros_por_pagina"])
	}

	if monitor.Snapshot().TotalSuccess != 1 {
		t.Errorf("TotalSuccess = %d, want 1", monitor.Snapshot().TotalSuccess)
	}
}

func TestClient_FetchDocument_UnescapesContent(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()

	const xml = `<?xml version="1.0"?><NFe><infNFe Id="NFe35250700000"/></NFe>`
	mock.Script(MethodFetchDocument, testutil.OK(testutil.DocumentBody(xml)))

	c, _ := newTestClient(t, mock)

	got, err := c.FetchDocument(context.Background(), 111, testKey)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if got != xml {
		t.Errorf("content not unescaped:\n got %q\nwant %q", got, xml)
	}

	// The internal id is preferred over the key.
	params := mock.LastParams(MethodFetchDocument)
	if params["nIdNfe"] != float64(111) {
		t.Errorf("nIdNfe = %v, want 111", params["nIdNfe"])
	}
	if _, hasKey := params["cChaveNFe"]; hasKey {
		t.Error("cChaveNFe sent despite internal id being available")
	}
}

func TestClient_FetchDocument_KeyFallback(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()
	mock.Script(MethodFetchDocument, testutil.OK(testutil.DocumentBody("<x/>")))

	c, _ := newTestClient(t, mock)

	if _, err := c.FetchDocument(context.Background(), 0, testKey); err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	params := mock.LastParams(MethodFetchDocument)
	if params["cChaveNFe"] != testKey {
		t.Errorf("cChaveNFe = %v, want %s", params["cChaveNFe"], testKey)
	}

	if _, err := c.FetchDocument(context.Background(), 0, ""); err == nil {
		t.Error("expected error with neither id nor key")
	}
}

func TestClient_RateLimitedThenRecovers(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()

	mock.Script(MethodFetchDocument,
		testutil.StatusOnly(425),
		testutil.StatusOnly(425),
		testutil.OK(testutil.DocumentBody("<x/>")),
	)

	c, monitor := newTestClient(t, mock)

	if _, err := c.FetchDocument(context.Background(), 111, ""); err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if got := mock.Calls(MethodFetchDocument); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	snap := monitor.Snapshot()
	if snap.TotalRateLimited != 2 {
		t.Errorf("TotalRateLimited = %d, want 2", snap.TotalRateLimited)
	}
	if snap.Unstable {
		t.Error("monitor should be stable again after success")
	}
}

func TestClient_PermanentFailureNotRetried(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()
	mock.Script(MethodFetchDocument, testutil.StatusOnly(403))

	c, _ := newTestClient(t, mock)

	_, err := c.FetchDocument(context.Background(), 111, "")
	if !errors.Is(err, ErrPermanentFailure) {
		t.Errorf("error = %v, want ErrPermanentFailure", err)
	}
	if got := mock.Calls(MethodFetchDocument); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestClient_ServerErrorsExhaustRetries(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()
	mock.Script(MethodListInvoices, testutil.StatusOnly(500))

	c, monitor := newTestClient(t, mock)

	_, err := c.ListInvoices(context.Background(), ListRequest{Page: 1, PageSize: 100})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
	if got := mock.Calls(MethodListInvoices); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	// Counters stay at their last-recorded values for the caller to act on.
	if monitor.Snapshot().ConsecutiveServerError != 3 {
		t.Errorf("ConsecutiveServerError = %d, want 3", monitor.Snapshot().ConsecutiveServerError)
	}
}

func TestClient_FaultPayloadIsRetried(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()

	mock.Script(MethodListInvoices,
		testutil.OK(`{"faultstring": "Consumo redundante detectado", "faultcode": "SOAP-ENV:Client-5113"}`),
		testutil.OK(testutil.ListingPage(1, 1)),
	)

	c, _ := newTestClient(t, mock)

	page, err := c.ListInvoices(context.Background(), ListRequest{Page: 1, PageSize: 100})
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	if page.TotalPages != 1 {
		t.Errorf("TotalPages = %d, want 1", page.TotalPages)
	}
	if got := mock.Calls(MethodListInvoices); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestClient_NonJSONBodyIsRetried(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()
	mock.Script(MethodListInvoices, testutil.OK(`<html>gateway error</html>`))

	c, _ := newTestClient(t, mock)

	_, err := c.ListInvoices(context.Background(), ListRequest{Page: 1, PageSize: 100})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
}

func TestClient_TruncatedJSONBodyIsRetried(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()
	mock.Script(MethodListInvoices,
		testutil.OK(`{"pagina": 1, "total_de_paginas"`),
		testutil.OK(testutil.ListingPage(1, 1)),
	)

	c, monitor := newTestClient(t, mock)

	page, err := c.ListInvoices(context.Background(), ListRequest{Page: 1, PageSize: 100})
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	if page.TotalPages != 1 {
		t.Errorf("TotalPages = %d, want 1", page.TotalPages)
	}
	if got := mock.Calls(MethodListInvoices); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}

	snap := monitor.Snapshot()
	if snap.TotalSuccess != 1 {
		t.Errorf("TotalSuccess = %d, want 1", snap.TotalSuccess)
	}
	if snap.TotalServerError != 1 {
		t.Errorf("TotalServerError = %d, want 1", snap.TotalServerError)
	}
}

func TestClient_PacingSerializesCallStarts(t *testing.T) {
	mock := testutil.NewMockOmie()
	defer mock.Close()
	mock.Script(MethodFetchDocument, testutil.OK(testutil.DocumentBody("<x/>")))

	monitor := health.NewMonitor()
	c, err := New(Config{
		AppKey:         "k",
		AppSecret:      "s",
		ListURL:        mock.URL(),
		FetchURL:       mock.URL(),
		CallsPerSecond: 20, // 50ms minimum interval
	}, monitor)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchDocument(context.Background(), 111, ""); err != nil {
			t.Fatal(err)
		}
	}
	// Three calls at 20/s must span at least two 50ms intervals.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("three calls completed in %v, pacing not enforced", elapsed)
	}
}
