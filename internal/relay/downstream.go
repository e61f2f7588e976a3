package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"imagerelay/internal/observability/metrics"
)

const (
	defaultDownstreamTimeout = 30 * time.Second
	maxErrorBodyBytes        = 4 << 10
)

// DownstreamConfig configures the processing service client.
type DownstreamConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxInFlight int64
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Downstream sends relayed requests to the processing service.
type Downstream struct {
	base    *url.URL
	timeout time.Duration
	client  *http.Client
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Part is one field of an outbound multipart body. Parts with a File are
// sent as file parts; the rest carry Value.
type Part struct {
	Name  string
	Value string
	File  *StagedFile
}

// NewDownstream validates the base URL and builds a client. A zero Timeout
// selects the default of 30 seconds.
func NewDownstream(cfg DownstreamConfig) (*Downstream, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse downstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("downstream url %q must include scheme and host", cfg.BaseURL)
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("max in-flight must not be negative")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDownstreamTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	d := &Downstream{
		base:    base,
		timeout: timeout,
		client:  client,
		logger:  logger,
		metrics: recorder,
	}
	if cfg.MaxInFlight > 0 {
		d.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return d, nil
}

// BaseURL returns the configured processing service address.
func (d *Downstream) BaseURL() string {
	return d.base.String()
}

// Get issues a GET for path and returns the response body.
func (d *Downstream) Get(ctx context.Context, route Route, path string) ([]byte, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.resolve(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return d.do(ctx, route, req)
}

// PostMultipart streams parts to path as multipart/form-data and returns the
// response body. File contents are read from disk while the request is sent.
func (d *Downstream) PostMultipart(ctx context.Context, route Route, path string, parts []Part) ([]byte, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	length, err := multipartLength(writer.Boundary(), parts)
	if err != nil {
		pr.Close()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.resolve(path), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.ContentLength = length

	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeParts(writer, parts))
	}()

	body, err := d.do(ctx, route, req)
	// Unblock the writer if the request ended before the body was consumed,
	// then wait so no staged file is still open when the caller releases it.
	pr.Close()
	<-done
	return body, err
}

func (d *Downstream) do(ctx context.Context, route Route, req *http.Request) ([]byte, error) {
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("wait for downstream slot: %w", err)
		}
		defer d.sem.Release(1)
	}

	d.metrics.DownstreamStarted()
	start := time.Now()
	defer func() {
		d.metrics.DownstreamFinished()
		d.metrics.ObserveDownstream(string(route), time.Since(start))
	}()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("downstream responded %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read downstream response: %w", err)
	}
	d.logger.Debug("downstream call completed", "route", route, "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

func (d *Downstream) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Downstream) resolve(path string) string {
	return strings.TrimRight(d.base.String(), "/") + "/" + strings.TrimLeft(path, "/")
}

func writeParts(writer *multipart.Writer, parts []Part) error {
	for _, part := range parts {
		if part.File == nil {
			if err := writer.WriteField(part.Name, part.Value); err != nil {
				return fmt.Errorf("write field %s: %w", part.Name, err)
			}
			continue
		}
		if err := copyFilePart(writer, part); err != nil {
			return err
		}
	}
	return writer.Close()
}

func copyFilePart(writer *multipart.Writer, part Part) error {
	src, err := part.File.Open()
	if err != nil {
		return fmt.Errorf("open staged %s: %w", part.Name, err)
	}
	defer src.Close()
	dst, err := writer.CreateFormFile(part.Name, uploadName(part.File))
	if err != nil {
		return fmt.Errorf("create part %s: %w", part.Name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy staged %s: %w", part.Name, err)
	}
	return nil
}

// multipartLength computes the exact encoded size of parts so the request can
// carry a Content-Length instead of chunked encoding.
func multipartLength(boundary string, parts []Part) (int64, error) {
	counter := &countingWriter{}
	writer := multipart.NewWriter(counter)
	if err := writer.SetBoundary(boundary); err != nil {
		return 0, fmt.Errorf("set boundary: %w", err)
	}
	for _, part := range parts {
		if part.File == nil {
			if err := writer.WriteField(part.Name, part.Value); err != nil {
				return 0, err
			}
			continue
		}
		if _, err := writer.CreateFormFile(part.Name, uploadName(part.File)); err != nil {
			return 0, err
		}
		counter.n += part.File.Size
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	return counter.n, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func uploadName(file *StagedFile) string {
	if file.OriginalName != "" {
		return file.OriginalName
	}
	return "upload"
}

// IsTimeout reports whether err came from the downstream deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
