package relay

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const maxFieldBytes = 1 << 20

// Inbound holds the files and scalar fields decoded from one request.
type Inbound struct {
	files  map[string]*StagedFile
	fields map[string]string
}

func newInbound() *Inbound {
	return &Inbound{files: make(map[string]*StagedFile), fields: make(map[string]string)}
}

// File returns the staged upload for field, or nil when none was sent.
func (in *Inbound) File(field string) *StagedFile {
	if in == nil {
		return nil
	}
	return in.files[field]
}

// Field returns the first value submitted for a scalar field.
func (in *Inbound) Field(name string) string {
	if in == nil {
		return ""
	}
	return in.fields[name]
}

// FileCount reports how many uploads were staged.
func (in *Inbound) FileCount() int {
	if in == nil {
		return 0
	}
	return len(in.files)
}

// StagedBytes reports the total size of the staged uploads.
func (in *Inbound) StagedBytes() int64 {
	if in == nil {
		return 0
	}
	var total int64
	for _, file := range in.files {
		total += file.Size
	}
	return total
}

// Release removes every staged upload. It is safe to call more than once.
func (in *Inbound) Release() {
	if in == nil {
		return
	}
	for _, file := range in.files {
		file.Release()
	}
}

// decodeInbound streams the multipart body of r, staging file parts whose
// field appears in fileFields. Other file parts are drained and dropped, and
// only the first file per field is kept. A request that is not multipart
// decodes to an empty Inbound.
func decodeInbound(w http.ResponseWriter, r *http.Request, stager *Stager, route Route, maxBytes int64, fileFields ...string) (*Inbound, error) {
	in := newInbound()
	if r.Body == nil {
		return in, nil
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return in, nil
		}
		return nil, errInvalidUpload(err)
	}

	accepted := make(map[string]bool, len(fileFields))
	for _, field := range fileFields {
		accepted[field] = true
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return in, nil
		}
		if err != nil {
			in.Release()
			return nil, classifyBodyError(err)
		}
		if err := in.consume(part, stager, route, accepted); err != nil {
			part.Close()
			in.Release()
			return nil, classifyBodyError(err)
		}
		part.Close()
	}
}

func (in *Inbound) consume(part *multipart.Part, stager *Stager, route Route, accepted map[string]bool) error {
	name := part.FormName()
	if name == "" {
		_, err := io.Copy(io.Discard, part)
		return err
	}
	if part.FileName() == "" {
		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		if err != nil {
			return err
		}
		if _, exists := in.fields[name]; !exists {
			in.fields[name] = strings.TrimSpace(string(value))
		}
		return nil
	}
	if !accepted[name] || in.files[name] != nil {
		_, err := io.Copy(io.Discard, part)
		return err
	}
	body := &trackingReader{r: part}
	staged, err := stager.Stage(route, name, part.FileName(), body)
	if err != nil {
		if body.err != nil {
			return fmt.Errorf("read %s: %w", name, body.err)
		}
		return errStagingFailed(fmt.Errorf("stage %s: %w", name, err))
	}
	in.files[name] = staged
	return nil
}

// trackingReader remembers the first read error so that failures reading the
// request can be told apart from failures writing the staging file.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

func classifyBodyError(err error) error {
	if relayErr, ok := AsError(err); ok {
		return relayErr
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errUploadTooLarge(err)
	}
	return errInvalidUpload(err)
}
