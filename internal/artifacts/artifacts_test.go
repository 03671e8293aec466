package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/store"
)

func newTestStore(t *testing.T, maxSize int64) (*Store, *store.Store, string) {
	t.Helper()
	logging.Init(logging.Config{Level: "error"})
	db, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	run := &store.Run{ID: "run1", CapabilityToken: uuid.NewString(), WorkerType: "claude"}
	require.NoError(t, db.CreateRun(run))

	dir := t.TempDir()
	s, err := New(dir, maxSize, db)
	require.NoError(t, err)
	return s, db, dir
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"report.json":          "report.json",
		"../../etc/passwd":     "passwd",
		"a b/c:d.txt":          "c_d.txt",
		"..":                   "artifact",
		"":                     "artifact",
		"weird\x00name$$.diff": "weird_name__.diff",
		`win\path\out.log`:     "out.log",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

func TestTypeForName(t *testing.T) {
	assert.Equal(t, "diff", TypeForName("latest.diff"))
	assert.Equal(t, "log", TypeForName("runner.LOG"))
	assert.Equal(t, "markdown", TypeForName("notes.md"))
	assert.Equal(t, "file", TypeForName("blob.bin"))
}

func TestSaveAndOpen(t *testing.T) {
	s, db, dir := newTestStore(t, 1024)

	a, err := s.Save("run1", "out.log", strings.NewReader("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), a.Size)
	assert.Equal(t, "log", a.Type)
	assert.True(t, strings.HasPrefix(a.Path, filepath.Join(dir, "run1")))
	assert.Len(t, filepath.Base(a.Path), len("_out.log")+12)

	rc, err := s.Open(a)
	require.NoError(t, err)
	defer rc.Close()

	got, err := db.GetArtifact(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "out.log", got.Name)
}

func TestSaveOverrunDeletesPartial(t *testing.T) {
	s, db, dir := newTestStore(t, 10)

	_, err := s.Save("run1", "big.log", strings.NewReader(strings.Repeat("x", 11)))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(filepath.Join(dir, "run1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file must be removed")

	rows, err := db.ListArtifacts("run1")
	require.NoError(t, err)
	assert.Empty(t, rows, "no row for failed upload")
}

func TestSaveExactLimitOK(t *testing.T) {
	s, _, _ := newTestStore(t, 10)
	a, err := s.Save("run1", "fit.txt", strings.NewReader(strings.Repeat("x", 10)))
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.Size)
}

func TestDeleteIdempotentOnMissingFile(t *testing.T) {
	s, db, _ := newTestStore(t, 1024)
	a, err := s.Save("run1", "x.txt", strings.NewReader("data"))
	require.NoError(t, err)

	require.NoError(t, os.Remove(a.Path))
	require.NoError(t, s.Delete(a))

	_, err = db.GetArtifact(a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
