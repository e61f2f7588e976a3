package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// RelayLabel identifies a relay call by route and outcome ("ok",
// "client_error", "downstream_error").
type RelayLabel struct {
	Route   string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, relay
// calls, downstream latency, and staged upload files. Counters guarded by mu;
// gauges are atomics. Relay counters are mirrored to OpenTelemetry instruments
// obtained from the global meter provider.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	relayCalls         map[RelayLabel]uint64
	downstreamDuration map[string]time.Duration
	downstreamCount    map[string]uint64
	stagedBytes        map[string]uint64
	rateLimited        map[string]uint64
	cleanupFailures    atomic.Uint64
	stagedFiles        atomic.Int64
	inFlight           atomic.Int64

	otelCalls       metric.Int64Counter
	otelStagedBytes metric.Int64Counter
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	r := &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		relayCalls:         make(map[RelayLabel]uint64),
		downstreamDuration: make(map[string]time.Duration),
		downstreamCount:    make(map[string]uint64),
		stagedBytes:        make(map[string]uint64),
		rateLimited:        make(map[string]uint64),
	}
	meter := otel.GetMeterProvider().Meter("imagerelay")
	if counter, err := meter.Int64Counter("relay_calls_total", metric.WithDescription("Relay calls by route and outcome")); err == nil {
		r.otelCalls = counter
	}
	if counter, err := meter.Int64Counter("relay_staged_bytes_total", metric.WithUnit("By")); err == nil {
		r.otelStagedBytes = counter
	}
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, path label, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveRelay records the outcome of a relay call.
func (r *Recorder) ObserveRelay(route, outcome string) {
	label := RelayLabel{Route: normalizeName(route), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.relayCalls[label]++
	r.mu.Unlock()
	if r.otelCalls != nil {
		r.otelCalls.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("route", label.Route),
			attribute.String("outcome", label.Outcome),
		))
	}
}

// ObserveDownstream records the latency of one downstream call.
func (r *Recorder) ObserveDownstream(route string, duration time.Duration) {
	name := normalizeName(route)
	r.mu.Lock()
	r.downstreamCount[name]++
	r.downstreamDuration[name] += duration
	r.mu.Unlock()
}

// ObserveRateLimited counts a request rejected by the named limiter scope.
func (r *Recorder) ObserveRateLimited(scope string) {
	name := normalizeName(scope)
	r.mu.Lock()
	r.rateLimited[name]++
	r.mu.Unlock()
}

// FileStaged increments the staged-file gauge and the staged byte counter.
func (r *Recorder) FileStaged(route string, size int64) {
	r.stagedFiles.Add(1)
	if size <= 0 {
		return
	}
	name := normalizeName(route)
	r.mu.Lock()
	r.stagedBytes[name] += uint64(size)
	r.mu.Unlock()
	if r.otelStagedBytes != nil {
		r.otelStagedBytes.Add(context.Background(), size, metric.WithAttributes(attribute.String("route", name)))
	}
}

// FileReleased decrements the staged-file gauge. failed reports whether the
// removal itself failed.
func (r *Recorder) FileReleased(failed bool) {
	r.decrementGauge(&r.stagedFiles)
	if failed {
		r.cleanupFailures.Add(1)
	}
}

// DownstreamStarted and DownstreamFinished track in-flight downstream calls.
func (r *Recorder) DownstreamStarted() {
	r.inFlight.Add(1)
}

func (r *Recorder) DownstreamFinished() {
	r.decrementGauge(&r.inFlight)
}

// StagedFiles reports how many staged files are currently on disk.
func (r *Recorder) StagedFiles() int64 {
	return r.stagedFiles.Load()
}

// InFlight reports the number of downstream calls currently running.
func (r *Recorder) InFlight() int64 {
	return r.inFlight.Load()
}

// RelayCounts returns a copy of the relay outcome counters.
func (r *Recorder) RelayCounts() map[RelayLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[RelayLabel]uint64, len(r.relayCalls))
	for k, v := range r.relayCalls {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.relayCalls = make(map[RelayLabel]uint64)
	r.downstreamDuration = make(map[string]time.Duration)
	r.downstreamCount = make(map[string]uint64)
	r.stagedBytes = make(map[string]uint64)
	r.rateLimited = make(map[string]uint64)
	r.cleanupFailures.Store(0)
	r.stagedFiles.Store(0)
	r.inFlight.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	relayLabels := r.sortedRelayLabels()

	fmt.Fprintln(w, "# HELP imagerelay_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE imagerelay_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "imagerelay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP imagerelay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE imagerelay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "imagerelay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP imagerelay_relay_calls_total Relay calls by route and outcome")
	fmt.Fprintln(w, "# TYPE imagerelay_relay_calls_total counter")
	for _, label := range relayLabels {
		fmt.Fprintf(w, "imagerelay_relay_calls_total{route=\"%s\",outcome=\"%s\"} %d\n", label.Route, label.Outcome, r.relayCalls[label])
	}

	routes := sortedKeys(r.downstreamCount)
	fmt.Fprintln(w, "# HELP imagerelay_downstream_duration_seconds_sum Cumulative downstream call duration in seconds")
	fmt.Fprintln(w, "# TYPE imagerelay_downstream_duration_seconds_sum counter")
	for _, route := range routes {
		fmt.Fprintf(w, "imagerelay_downstream_duration_seconds_sum{route=\"%s\"} %f\n", route, r.downstreamDuration[route].Seconds())
	}
	fmt.Fprintln(w, "# HELP imagerelay_downstream_duration_seconds_count Number of downstream calls observed")
	fmt.Fprintln(w, "# TYPE imagerelay_downstream_duration_seconds_count counter")
	for _, route := range routes {
		fmt.Fprintf(w, "imagerelay_downstream_duration_seconds_count{route=\"%s\"} %d\n", route, r.downstreamCount[route])
	}

	fmt.Fprintln(w, "# HELP imagerelay_staged_bytes_total Bytes written to the staging directory by route")
	fmt.Fprintln(w, "# TYPE imagerelay_staged_bytes_total counter")
	for _, route := range sortedKeys(r.stagedBytes) {
		fmt.Fprintf(w, "imagerelay_staged_bytes_total{route=\"%s\"} %d\n", route, r.stagedBytes[route])
	}

	fmt.Fprintln(w, "# HELP imagerelay_rate_limited_total Requests rejected by the rate limiter")
	fmt.Fprintln(w, "# TYPE imagerelay_rate_limited_total counter")
	for _, scope := range sortedKeys(r.rateLimited) {
		fmt.Fprintf(w, "imagerelay_rate_limited_total{scope=\"%s\"} %d\n", scope, r.rateLimited[scope])
	}

	fmt.Fprintln(w, "# HELP imagerelay_staged_files Staged upload files currently on disk")
	fmt.Fprintln(w, "# TYPE imagerelay_staged_files gauge")
	fmt.Fprintf(w, "imagerelay_staged_files %d\n", r.stagedFiles.Load())

	fmt.Fprintln(w, "# HELP imagerelay_staging_cleanup_failures_total Staged files that could not be removed")
	fmt.Fprintln(w, "# TYPE imagerelay_staging_cleanup_failures_total counter")
	fmt.Fprintf(w, "imagerelay_staging_cleanup_failures_total %d\n", r.cleanupFailures.Load())

	fmt.Fprintln(w, "# HELP imagerelay_downstream_in_flight Downstream calls currently running")
	fmt.Fprintln(w, "# TYPE imagerelay_downstream_in_flight gauge")
	fmt.Fprintf(w, "imagerelay_downstream_in_flight %d\n", r.inFlight.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedRelayLabels() []RelayLabel {
	labels := make([]RelayLabel, 0, len(r.relayCalls))
	for label := range r.relayCalls {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Route != labels[j].Route {
			return labels[i].Route < labels[j].Route
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath trims trailing slashes and collapses an empty path to "/".
// Callers that know the matched route pattern should pass that instead of the
// raw URL path to keep label cardinality bounded.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == "/" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
