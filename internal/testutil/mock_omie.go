// Package testutil provides testing utilities for the extraction pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Response defines one scripted reply from the mock API.
type Response struct {
	Status int
	Body   string
	Delay  time.Duration
}

// OK builds a 200 response with the given JSON body.
func OK(body string) Response {
	return Response{Status: http.StatusOK, Body: body}
}

// StatusOnly builds a bodyless response with the given status.
func StatusOnly(status int) Response {
	return Response{Status: status}
}

// MockOmie is a configurable mock of the Omie API. Both endpoints are
// served from one listener; requests are dispatched on the "call" field of
// the posted envelope, like the real API dispatches on method name.
type MockOmie struct {
	server *httptest.Server

	mu         sync.Mutex
	scripts    map[string][]Response
	calls      map[string]int
	lastParams map[string]map[string]any
}

// NewMockOmie starts a mock API server.
func NewMockOmie() *MockOmie {
	m := &MockOmie{
		scripts:    make(map[string][]Response),
		calls:      make(map[string]int),
		lastParams: make(map[string]map[string]any),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope struct {
			AppKey    string           `json:"app_key"`
			AppSecret string           `json:"app_secret"`
			Call      string           `json:"call"`
			Param     []map[string]any `json:"param"`
		}
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		m.mu.Lock()
		m.calls[envelope.Call]++
		if len(envelope.Param) > 0 {
			m.lastParams[envelope.Call] = envelope.Param[0]
		}
		resp := m.popScriptLocked(envelope.Call)
		m.mu.Unlock()

		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		if resp.Body != "" {
			fmt.Fprint(w, resp.Body)
		}
	}))

	return m
}

// popScriptLocked returns the next scripted response for a method. The
// last response of a script is sticky; an unscripted method gets an empty 200.
func (m *MockOmie) popScriptLocked(method string) Response {
	script := m.scripts[method]
	if len(script) == 0 {
		return OK(`{}`)
	}
	resp := script[0]
	if len(script) > 1 {
		m.scripts[method] = script[1:]
	}
	return resp
}

// Script queues responses for a method. The final response repeats for any
// further calls.
func (m *MockOmie) Script(method string, responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[method] = responses
}

// URL returns the mock server URL, usable as both ListURL and FetchURL.
func (m *MockOmie) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOmie) Close() {
	m.server.Close()
}

// Calls returns how many requests a method has received.
func (m *MockOmie) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// TotalCalls returns the total request count across methods.
func (m *MockOmie) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// LastParams returns the param object of the most recent call to a method.
func (m *MockOmie) LastParams(method string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastParams[method]
}

// ListingRecord builds the canned nested listing JSON for one invoice, the
// shape the lister normalizes from.
func ListingRecord(key string, internalID, orderID int64, issueDate, number, series, taxID, name string, total float64) string {
	return fmt.Sprintf(`{
		"compl": {"cChaveNFe": %q, "nIdNF": %d, "nIdPedido": %d},
		"ide": {"dEmi": %q, "nNF": %q, "serie": %q},
		"nfDestInt": {"cnpj_cpf": %q, "cRazao": %q},
		"total": {"ICMSTot": {"vNF": %g}}
	}`, key, internalID, orderID, issueDate, number, series, taxID, name, total)
}

// ListingPage builds a full listing page body.
func ListingPage(page, totalPages int, records ...string) string {
	return fmt.Sprintf(`{"pagina": %d, "total_de_paginas": %d, "total_de_registros": %d, "nfCadastro": [%s]}`,
		page, totalPages, len(records), strings.Join(records, ","))
}

// DocumentBody builds a fetch-document response, HTML-escaping the XML the
// way the real API does.
func DocumentBody(xml string) string {
	escaped, _ := json.Marshal(html.EscapeString(xml))
	return fmt.Sprintf(`{"cXmlNfe": %s}`, escaped)
}
