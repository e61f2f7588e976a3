package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"imagerelay/internal/audit"
	"imagerelay/internal/observability/logging"
	"imagerelay/internal/observability/metrics"
)

const (
	defaultMaxUploadBytes = 32 << 20
	auditTimeout          = 2 * time.Second
	healthTimeout         = 5 * time.Second
)

// HealthCheck reports the state of one dependency on /healthz.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

// Handler adapts a Relay to HTTP.
type Handler struct {
	Relay          *Relay
	Stager         *Stager
	MaxUploadBytes int64
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Audit          audit.Sink
	HealthChecks   []HealthCheck
}

// NewHandler wires a handler around relay and stager.
func NewHandler(relay *Relay, stager *Stager, logger *slog.Logger) *Handler {
	return &Handler{Relay: relay, Stager: stager, Logger: logger}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Root relays the connectivity check. An uploaded file is accepted and dropped.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RouteConnectivity, nil, func(ctx context.Context, _ *Inbound) (Response, error) {
		return h.Relay.Connectivity(ctx)
	})
}

// Hash relays an upload to the content hash endpoint.
func (h *Handler) Hash(w http.ResponseWriter, r *http.Request) {
	h.serveSingle(w, r, RouteHash, h.Relay.Hash)
}

// Pixels relays an upload to the pixel analysis endpoint.
func (h *Handler) Pixels(w http.ResponseWriter, r *http.Request) {
	h.serveSingle(w, r, RoutePixels, h.Relay.Pixels)
}

// Filter relays an upload to the image filter endpoint and returns PNG bytes.
func (h *Handler) Filter(w http.ResponseWriter, r *http.Request) {
	h.serveSingle(w, r, RouteFilter, h.Relay.Filter)
}

// Resize relays an upload with largura and altura and returns PNG bytes.
func (h *Handler) Resize(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RouteResize, []string{FieldFile}, func(ctx context.Context, in *Inbound) (Response, error) {
		return h.Relay.Resize(ctx, ResizeRequest{
			File:   in.File(FieldFile),
			Width:  in.Field(FieldWidth),
			Height: in.Field(FieldHeight),
		})
	})
}

// Compare relays the file1 and file2 uploads to the hash comparison endpoint.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RouteCompare, []string{FieldFile1, FieldFile2}, func(ctx context.Context, in *Inbound) (Response, error) {
		return h.Relay.Compare(ctx, CompareRequest{
			First:  in.File(FieldFile1),
			Second: in.File(FieldFile2),
		})
	})
}

// Health reports relay liveness together with downstream reachability and
// any extra dependency checks.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	overall := "ok"
	status := http.StatusOK
	components := make([]componentStatus, 0, len(h.HealthChecks)+1)
	record := func(name string, err error) {
		component := componentStatus{Component: name, Status: "ok"}
		if err != nil {
			component.Status = "degraded"
			component.Error = err.Error()
			overall = "degraded"
			status = http.StatusServiceUnavailable
		}
		components = append(components, component)
	}

	if h.Relay != nil {
		record("downstream", h.Relay.Ping(ctx))
	}
	for _, check := range h.HealthChecks {
		if check.Check == nil {
			continue
		}
		record(check.Name, check.Check(ctx))
	}

	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

func (h *Handler) serveSingle(w http.ResponseWriter, r *http.Request, route Route, op func(context.Context, SingleFileRequest) (Response, error)) {
	h.serve(w, r, route, []string{FieldFile}, func(ctx context.Context, in *Inbound) (Response, error) {
		return op(ctx, SingleFileRequest{File: in.File(FieldFile)})
	})
}

// serve decodes the request, runs call, and writes the outcome. Staged files
// are released on every path, including a panic inside call. The downstream
// call is detached from client cancellation and bounded by the downstream
// timeout instead.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, route Route, fileFields []string, call func(context.Context, *Inbound) (Response, error)) {
	start := time.Now()
	ctx := logging.ContextWithRoute(r.Context(), string(route))
	logger := h.requestLogger(ctx, route)

	var resp Response
	in, err := decodeInbound(w, r, h.Stager, route, h.maxUploadBytes(), fileFields...)
	if err == nil {
		defer in.Release()
		resp, err = call(context.WithoutCancel(ctx), in)
	}

	status := h.respond(w, logger, resp, err)
	outcome := "ok"
	kind := ""
	if relayErr, ok := AsError(err); ok {
		kind = string(relayErr.Kind)
		outcome = kind
	} else if err != nil {
		kind = string(KindDownstream)
		outcome = kind
	}
	h.recorder().ObserveRelay(string(route), outcome)
	h.audit(ctx, logger, audit.Entry{
		Route:       string(route),
		Status:      status,
		ErrorKind:   kind,
		Files:       in.FileCount(),
		StagedBytes: in.StagedBytes(),
		Duration:    time.Since(start),
		RemoteIP:    ClientIP(r),
		At:          start,
	})
}

func (h *Handler) respond(w http.ResponseWriter, logger *slog.Logger, resp Response, err error) int {
	if err == nil {
		writeResponse(w, resp)
		return http.StatusOK
	}
	relayErr, ok := AsError(err)
	if !ok {
		relayErr = downstreamError("Erro interno", err)
	}
	if relayErr.ClientError() {
		logger.Info("relay request rejected", "kind", relayErr.Kind, "error", relayErr.Error())
		writeJSON(w, relayErr.Status, errorResponse{Error: relayErr.Message})
		return relayErr.Status
	}
	logger.Error("relay call failed", "kind", relayErr.Kind, "error", relayErr.Error(), "timeout", IsTimeout(relayErr))
	writeJSON(w, relayErr.Status, errorResponse{Error: relayErr.Message, Details: relayErr.Detail})
	return relayErr.Status
}

func (h *Handler) audit(ctx context.Context, logger *slog.Logger, entry audit.Entry) {
	if h.Audit == nil {
		return
	}
	if requestID, ok := logging.RequestIDFromContext(ctx); ok {
		entry.RequestID = requestID
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := h.Audit.Record(ctx, entry); err != nil {
		logger.Warn("failed to record audit entry", "error", err)
	}
}

func (h *Handler) requestLogger(ctx context.Context, route Route) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger.With("route", string(route))
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(ctx, logger)
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	contentType := resp.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

// ClientIP returns the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
