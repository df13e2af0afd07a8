package main

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/coordinator/audit"
)

func newTestServices(t *testing.T) (*services, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "trace.log")
	s := &services{trail: audit.New(logPath)}
	t.Cleanup(func() { s.trail.Close() })
	return s, logPath
}

func testMux(s *services) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /customer/{customer_id}", s.handleCustomer)
	mux.HandleFunc("POST /pricing", s.handlePricing)
	mux.HandleFunc("POST /availability", s.handleAvailability)
	mux.HandleFunc("POST /insurance", s.handleInsurance)
	return mux
}

func postJSON(t *testing.T, url, body string, headers map[string]string) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func readTrace(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestCustomerLookup(t *testing.T) {
	s, _ := newTestServices(t)
	srv := httptest.NewServer(testMux(s))
	defer srv.Close()

	got := postJSON(t, srv.URL+"/customer/42", `{"customer_id": 42}`, nil)
	assert.Equal(t, "gold", got["customer_tier"])
	prefs, ok := got["preferences"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SUV", prefs["vehicle"])
}

func TestCustomerNotFound(t *testing.T) {
	s, _ := newTestServices(t)
	srv := httptest.NewServer(testMux(s))
	defer srv.Close()

	got := postJSON(t, srv.URL+"/customer/999", `{"customer_id": 999}`, nil)
	assert.Equal(t, "Customer not found", got["error"])
}

func TestPricing(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"suv standard tier", `{"vehicle_type": "SUV", "days": 3, "customer_tier": "gold"}`, 150},
		{"sedan standard tier", `{"vehicle_type": "Sedan", "days": 3, "customer_tier": "gold"}`, 90},
		{"suv platinum discount", `{"vehicle_type": "SUV", "days": 2, "customer_tier": "platinum"}`, 80},
	}

	s, _ := newTestServices(t)
	srv := httptest.NewServer(testMux(s))
	defer srv.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := postJSON(t, srv.URL+"/pricing", tt.body, nil)
			assert.Equal(t, tt.want, got["price"])
		})
	}
}

func TestAvailability(t *testing.T) {
	s, _ := newTestServices(t)
	srv := httptest.NewServer(testMux(s))
	defer srv.Close()

	got := postJSON(t, srv.URL+"/availability", `{"location": "Berlin", "days": 3}`, nil)
	vehicles, ok := got["vehicles"].([]any)
	require.True(t, ok)
	require.Len(t, vehicles, 2)
	first, ok := vehicles[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SUV", first["type"])
}

func TestInsurance(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"gold suv", `{"vehicle_type": "SUV", "customer_tier": "gold"}`, 30},
		{"platinum sedan", `{"vehicle_type": "Sedan", "customer_tier": "platinum"}`, 15},
		{"unknown tier and vehicle", `{"vehicle_type": "Tractor", "customer_tier": "silver"}`, 37.5},
	}

	s, _ := newTestServices(t)
	srv := httptest.NewServer(testMux(s))
	defer srv.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := postJSON(t, srv.URL+"/insurance", tt.body, nil)
			assert.Equal(t, tt.want, got["insurance_cost"])
			assert.Contains(t, got, "vehicle_type")
			assert.Contains(t, got, "customer_tier")
		})
	}
}

func TestTraceLinePropagatesHeaders(t *testing.T) {
	s, logPath := newTestServices(t)
	srv := httptest.NewServer(testMux(s))
	defer srv.Close()

	postJSON(t, srv.URL+"/pricing",
		`{"vehicle_type": "SUV", "days": 1, "customer_tier": "gold"}`,
		map[string]string{
			"x-correlation-id": "corr-123",
			"x-jwt":            `{"sub": "alice"}`,
		})

	events := readTrace(t, logPath)
	require.Len(t, events, 1)
	assert.Equal(t, "pricing-service", events[0]["service"])
	assert.Equal(t, "corr-123", events[0]["correlation_id"])
	jwt, ok := events[0]["jwt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", jwt["sub"])
	// Coordinator-only fields stay off stub lines.
	assert.NotContains(t, events[0], "target_service")
	assert.NotContains(t, events[0], "query")
}

func TestTraceLineDefaultsCorrelationID(t *testing.T) {
	s, logPath := newTestServices(t)
	srv := httptest.NewServer(testMux(s))
	defer srv.Close()

	postJSON(t, srv.URL+"/availability", `{}`, nil)

	events := readTrace(t, logPath)
	require.Len(t, events, 1)
	assert.Equal(t, "none", events[0]["correlation_id"])
}
