package relay

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"imagerelay/internal/observability/metrics"
)

// Stager writes inbound file parts to uniquely named files under a staging
// directory.
type Stager struct {
	dir     string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewStager prepares the staging directory, creating it when missing.
func NewStager(dir string, logger *slog.Logger, recorder *metrics.Recorder) (*Stager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("staging directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Stager{dir: dir, logger: logger, metrics: recorder}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies src into a new staging file. The returned file must be
// released by the caller. A partially written file is removed before Stage
// returns an error.
func (s *Stager) Stage(route Route, field, filename string, src io.Reader) (*StagedFile, error) {
	stagedPath := filepath.Join(s.dir, uuid.NewString())
	out, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	size, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		if removeErr := os.Remove(stagedPath); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			s.logger.Warn("failed to remove partial staged file", "path", stagedPath, "error", removeErr)
		}
		if copyErr != nil {
			return nil, fmt.Errorf("write staged file: %w", copyErr)
		}
		return nil, fmt.Errorf("close staged file: %w", closeErr)
	}
	s.metrics.FileStaged(string(route), size)
	return &StagedFile{
		Field:        field,
		OriginalName: cleanFilename(filename),
		Path:         stagedPath,
		Size:         size,
		stager:       s,
	}, nil
}

// StagedFile is one inbound upload held on disk until its relay call ends.
type StagedFile struct {
	Field        string
	OriginalName string
	Path         string
	Size         int64

	stager *Stager
	once   sync.Once
}

// Open opens the staged file for reading.
func (f *StagedFile) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Release removes the staged file. Only the first call has any effect;
// removal failures are logged and otherwise ignored.
func (f *StagedFile) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		err := os.Remove(f.Path)
		failed := err != nil && !errors.Is(err, fs.ErrNotExist)
		if failed && f.stager != nil {
			f.stager.logger.Warn("failed to remove staged file", "path", f.Path, "field", f.Field, "error", err)
		}
		if f.stager != nil {
			f.stager.metrics.FileReleased(failed)
		}
	})
}

// cleanFilename reduces a client supplied filename to an NFC-normalized base
// name. Both slash styles are treated as separators.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return norm.NFC.String(base)
}
