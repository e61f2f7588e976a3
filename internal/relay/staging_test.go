package relay

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"imagerelay/internal/observability/metrics"
)

func newTestStager(t *testing.T) (*Stager, *metrics.Recorder) {
	t.Helper()
	recorder := metrics.New()
	stager, err := NewStager(filepath.Join(t.TempDir(), "uploads"), nil, recorder)
	require.NoError(t, err)
	return stager, recorder
}

func stagedEntries(t *testing.T, stager *Stager) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(stager.Dir())
	require.NoError(t, err)
	return entries
}

func TestNewStagerCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")
	_, err := NewStager(dir, nil, metrics.New())
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, err = NewStager(" ", nil, nil)
	require.Error(t, err)
}

func TestStageWritesUniqueFiles(t *testing.T) {
	stager, recorder := newTestStager(t)

	first, err := stager.Stage(RouteHash, FieldFile, "cat.png", strings.NewReader("first"))
	require.NoError(t, err)
	second, err := stager.Stage(RouteHash, FieldFile, "cat.png", strings.NewReader("second!"))
	require.NoError(t, err)

	require.NotEqual(t, first.Path, second.Path)
	require.Equal(t, stager.Dir(), filepath.Dir(first.Path))
	require.EqualValues(t, 5, first.Size)
	require.EqualValues(t, 7, second.Size)
	require.Equal(t, "cat.png", first.OriginalName)
	require.EqualValues(t, 2, recorder.StagedFiles())

	data, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	require.Equal(t, "second!", string(data))

	first.Release()
	second.Release()
	require.Empty(t, stagedEntries(t, stager))
	require.EqualValues(t, 0, recorder.StagedFiles())
}

func TestReleaseRunsOnce(t *testing.T) {
	stager, recorder := newTestStager(t)

	file, err := stager.Stage(RouteFilter, FieldFile, "a.png", strings.NewReader("data"))
	require.NoError(t, err)

	file.Release()
	file.Release()
	require.EqualValues(t, 0, recorder.StagedFiles())
	_, err = os.Stat(file.Path)
	require.True(t, errors.Is(err, os.ErrNotExist))

	var missing *StagedFile
	missing.Release()
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("client went away")
}

func TestStageRemovesPartialFileOnError(t *testing.T) {
	stager, recorder := newTestStager(t)

	_, err := stager.Stage(RouteHash, FieldFile, "a.png", failingReader{})
	require.Error(t, err)
	require.Empty(t, stagedEntries(t, stager))
	require.EqualValues(t, 0, recorder.StagedFiles())
}

func TestCleanFilename(t *testing.T) {
	cases := map[string]string{
		"photo.png":              "photo.png",
		"  photo.png ":           "photo.png",
		"../../etc/passwd":       "passwd",
		`C:\Users\ana\foto.jpg`:  "foto.jpg",
		"dir/":                   "dir",
		"":                       "",
		"/":                      "",
		"cafe\u0301.png":         "caf\u00e9.png",
		"imagens/ma\u0303e.jpeg": "m\u00e3e.jpeg",
	}
	for input, want := range cases {
		if got := cleanFilename(input); got != want {
			t.Errorf("cleanFilename(%q) = %q, want %q", input, got, want)
		}
	}
}
