package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"mapxion/internal/metrics"
)

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seen, rr.Header().Get(RequestIDHeader))
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	h.ServeHTTP(rr, req)
	if len(seen) != 36 {
		t.Fatalf("oversized id kept: %q", seen)
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("wildcard", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("Origin", "https://app.example")
		CORS([]string{"*"})(next).ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("allow origin = %q", got)
		}
		if !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
			t.Fatalf("PATCH not allowed: %q", rr.Header().Get("Access-Control-Allow-Methods"))
		}
	})

	t.Run("listed origin", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("Origin", "https://app.example")
		CORS([]string{"https://app.example"})(next).ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Fatalf("allow origin = %q", got)
		}
	})

	t.Run("unlisted origin", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("Origin", "https://evil.example")
		CORS([]string{"https://app.example"})(next).ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("unexpected allow origin %q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
		req.Header.Set("Origin", "https://app.example")
		CORS([]string{"*"})(next).ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("preflight status = %d", rr.Code)
		}
	})
}

func TestLoggerRecordsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	m := metrics.New()

	r := chi.NewRouter()
	r.Use(RequestID, Logger(zerolog.New(&buf), m))
	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("{}"))
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/42", nil)
	req.Header.Set(RequestIDHeader, "rid-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/jobs/{id}", "GET", "404")); got != 1 {
		t.Fatalf("request counter = %v", got)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "warn" || entry["route"] != "/jobs/{id}" || entry["request_id"] != "rid-1" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if entry["bytes"] != float64(2) {
		t.Fatalf("bytes = %v", entry["bytes"])
	}
}

type staticCountries map[string]string

func (s staticCountries) Country(ip string) string { return s[ip] }

func TestClientCountryTagsRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	var seen string
	h := ClientCountry(staticCountries{"203.0.113.7": "NL"})(Logger(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CountryFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "NL" {
		t.Fatalf("country in context = %q", seen)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["country"] != "NL" {
		t.Fatalf("country field = %v", line["country"])
	}

	buf.Reset()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	h.ServeHTTP(httptest.NewRecorder(), req)
	if strings.Contains(buf.String(), `"country"`) {
		t.Fatalf("unexpected country field: %s", buf.String())
	}
}

func TestClientCountryNilLookup(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := ClientCountry(nil)(next)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
