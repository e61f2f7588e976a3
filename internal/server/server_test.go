package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"imagerelay/internal/auth"
	"imagerelay/internal/observability/metrics"
	"imagerelay/internal/relay"
	"imagerelay/internal/testsupport/downstreamstub"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestHandler(t *testing.T, baseURL string, recorder *metrics.Recorder) *relay.Handler {
	t.Helper()
	stager, err := relay.NewStager(filepath.Join(t.TempDir(), "uploads"), quietLogger, recorder)
	if err != nil {
		t.Fatalf("NewStager error: %v", err)
	}
	downstream, err := relay.NewDownstream(relay.DownstreamConfig{BaseURL: baseURL, Timeout: 5 * time.Second, Logger: quietLogger, Metrics: recorder})
	if err != nil {
		t.Fatalf("NewDownstream error: %v", err)
	}
	handler := relay.NewHandler(relay.New(downstream, quietLogger), stager, quietLogger)
	handler.Metrics = recorder
	return handler
}

func newTestServer(t *testing.T, cfg Config) (*Server, *downstreamstub.Service) {
	t.Helper()
	stub := downstreamstub.Start(downstreamstub.Options{})
	t.Cleanup(stub.Close)
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger
	}
	srv, err := New(newTestHandler(t, stub.BaseURL(), cfg.Metrics), cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv, stub
}

func uploadRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "a.png")
	if err != nil {
		t.Fatalf("CreateFormFile error: %v", err)
	}
	if _, err := part.Write([]byte("image")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.RemoteAddr = "198.51.100.20:4000"
	return req
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return payload["error"]
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsInvalidCORSOrigin(t *testing.T) {
	handler := newTestHandler(t, "http://localhost:5000", metrics.New())
	if _, err := New(handler, Config{CORS: CORSConfig{Origins: []string{"not an origin"}}}); err == nil {
		t.Fatal("expected error for invalid CORS origin")
	}
}

func TestServerRoutesRelayCalls(t *testing.T) {
	srv, stub := newTestServer(t, Config{})

	routes := map[string]string{
		"/hashAPI":   "/calcula-hash",
		"/pixelAPI":  "/calcula-pixels",
		"/filtroAPI": "/filtro-imagem",
	}
	for path, downstreamPath := range routes {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, uploadRequest(t, path))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", path, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: expected request id header", path)
		}
		ops := stub.Operations()
		if got := ops[len(ops)-1].Path; got != downstreamPath {
			t.Fatalf("%s: expected downstream %s, got %s", path, downstreamPath, got)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("expected root passthrough, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestServerRejectsUnknownRoutesAndMethods(t *testing.T) {
	srv, stub := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got != "not found" {
		t.Fatalf("unexpected error body %q", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hashAPI", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if len(stub.Operations()) != 0 {
		t.Fatalf("expected no downstream calls, got %d", len(stub.Operations()))
	}
}

func TestServerHealthAndMetrics(t *testing.T) {
	recorder := metrics.New()
	srv, _ := newTestServer(t, Config{Metrics: recorder})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), uploadRequest(t, "/hashAPI"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy status, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `path="/hashAPI"`) {
		t.Fatalf("expected route pattern label in metrics output:\n%s", body)
	}
	if !strings.Contains(body, `imagerelay_relay_calls_total{route="hash",outcome="ok"} 1`) {
		t.Fatalf("expected relay outcome counter in metrics output:\n%s", body)
	}

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/random/path/123", nil))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rec.Body.String(), "/random/path/123") {
		t.Fatal("expected unmatched paths to be collapsed")
	}
}

func TestServerEnforcesAPIKeys(t *testing.T) {
	const key = "relay-key-0123456789"
	encoded, err := auth.HashKey(key)
	if err != nil {
		t.Fatalf("HashKey error: %v", err)
	}
	ring, err := auth.NewKeyRing([]string{encoded})
	if err != nil {
		t.Fatalf("NewKeyRing error: %v", err)
	}
	srv, stub := newTestServer(t, Config{APIKeys: ring})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, uploadRequest(t, "/hashAPI"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got != "invalid api key" {
		t.Fatalf("unexpected error body %q", got)
	}

	req := uploadRequest(t, "/hashAPI")
	req.Header.Set("X-API-Key", key)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health to bypass api keys, got %d", rec.Code)
	}
	if len(stub.Operations()) != 2 {
		t.Fatalf("expected one relay call and one health probe, got %d", len(stub.Operations()))
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	recorder := metrics.New()
	srv, _ := newTestServer(t, Config{Metrics: recorder, RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestServerClientRateLimit(t *testing.T) {
	srv, stub := newTestServer(t, Config{RateLimit: RateLimitConfig{ClientLimit: 1, ClientWindow: time.Minute}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, uploadRequest(t, "/hashAPI"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first upload to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, uploadRequest(t, "/hashAPI"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	other := uploadRequest(t, "/hashAPI")
	other.RemoteAddr = "198.51.100.99:4000"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health to bypass client limit, got %d", rec.Code)
	}
	if len(stub.Operations()) != 3 {
		t.Fatalf("expected 3 downstream calls, got %d", len(stub.Operations()))
	}
}

func TestServerRecoversFromPanics(t *testing.T) {
	stub := downstreamstub.Start(downstreamstub.Options{})
	t.Cleanup(stub.Close)
	recorder := metrics.New()
	handler := newTestHandler(t, stub.BaseURL(), recorder)
	handler.HealthChecks = []relay.HealthCheck{{Name: "explodes", Check: func(context.Context) error {
		panic("boom")
	}}}
	srv, err := New(handler, Config{Logger: quietLogger, Metrics: recorder})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected recovered panic to yield 500, got %d", rec.Code)
	}
	var exposition strings.Builder
	recorder.Write(&exposition)
	if !strings.Contains(exposition.String(), `imagerelay_http_requests_total{method="GET",path="/healthz",status="500"} 1`) {
		t.Fatalf("expected panic to be recorded as 500:\n%s", exposition.String())
	}
}

func TestServerDegradedHealthWhenDownstreamUnreachable(t *testing.T) {
	stub := downstreamstub.Start(downstreamstub.Options{})
	baseURL := stub.BaseURL()
	stub.Close()

	recorder := metrics.New()
	srv, err := New(newTestHandler(t, baseURL, recorder), Config{Logger: quietLogger, Metrics: recorder})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestServerAppliesSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, uploadRequest(t, "/pixelAPI"))
	assertDefaultSecurityHeaders(t, rec.Result())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assertDefaultSecurityHeaders(t, rec.Result())
}
