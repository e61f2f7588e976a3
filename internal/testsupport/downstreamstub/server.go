package downstreamstub

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// PNGSignature is the default body returned by the binary endpoints.
var PNGSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

// Options describes how the fake processing service should behave.
type Options struct {
	// RootBody is returned from GET /. Defaults to JSONBody.
	RootBody []byte

	// JSONBody is returned from the hash, pixel, and compare endpoints.
	// Defaults to {"ok":true}.
	JSONBody []byte

	// PNGBody is returned from the resize and filter endpoints.
	PNGBody []byte

	// FailStatus makes every endpoint answer with this status and FailBody.
	FailStatus int
	FailBody   string

	// Delay holds every response for the given duration.
	Delay time.Duration
}

// File is one uploaded file part as the service received it.
type File struct {
	Filename string
	Content  []byte
}

// Operation is one recorded call.
type Operation struct {
	Method        string
	Path          string
	ContentLength int64
	Fields        map[string]string
	Files         map[string]File
	Status        int
	Timestamp     time.Time
}

// Service hosts a single httptest.Server that serves all processing endpoints.
type Service struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
}

// Start spins up a new processing service stub.
func Start(opts Options) *Service {
	if len(opts.JSONBody) == 0 {
		opts.JSONBody = []byte(`{"ok":true}`)
	}
	if len(opts.RootBody) == 0 {
		opts.RootBody = opts.JSONBody
	}
	if len(opts.PNGBody) == 0 {
		opts.PNGBody = PNGSignature
	}
	if opts.FailBody == "" {
		opts.FailBody = "processing failed"
	}
	s := &Service{opts: opts}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts the stub down.
func (s *Service) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the HTTP base URL of the stub.
func (s *Service) BaseURL() string {
	return s.server.URL
}

// Operations returns a copy of all recorded calls in the order they occurred.
func (s *Service) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if s.opts.Delay > 0 {
		time.Sleep(s.opts.Delay)
	}
	var body []byte
	contentType := "application/json"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		body = s.opts.RootBody
	case r.Method == http.MethodPost && (r.URL.Path == "/calcula-hash" || r.URL.Path == "/calcula-pixels" || r.URL.Path == "/compara-hashes"):
		body = s.opts.JSONBody
	case r.Method == http.MethodPost && (r.URL.Path == "/redimensiona-imagem" || r.URL.Path == "/filtro-imagem"):
		body = s.opts.PNGBody
		contentType = "image/png"
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}

	op := Operation{
		Method:        r.Method,
		Path:          r.URL.Path,
		ContentLength: r.ContentLength,
		Status:        http.StatusOK,
		Timestamp:     time.Now(),
	}
	if r.Method == http.MethodPost {
		fields, files, err := readForm(r)
		if err != nil {
			op.Status = http.StatusBadRequest
			s.record(op)
			http.Error(w, "bad multipart body", http.StatusBadRequest)
			return
		}
		op.Fields = fields
		op.Files = files
	}

	if s.opts.FailStatus > 0 {
		op.Status = s.opts.FailStatus
		s.record(op)
		http.Error(w, s.opts.FailBody, s.opts.FailStatus)
		return
	}

	s.record(op)
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

func readForm(r *http.Request) (map[string]string, map[string]File, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, err
	}
	fields := make(map[string]string, len(r.MultipartForm.Value))
	for name, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			fields[name] = values[0]
		}
	}
	files := make(map[string]File, len(r.MultipartForm.File))
	for name, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		src, err := headers[0].Open()
		if err != nil {
			return nil, nil, err
		}
		content, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return nil, nil, err
		}
		files[name] = File{Filename: headers[0].Filename, Content: content}
	}
	return fields, files, nil
}

func (s *Service) record(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, op)
}
