package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanlabel/pkg/contract"
)

func boolPtr(b bool) *bool { return &b }

func noTemp(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "残留临时文件 %s", e.Name())
	}
}

func TestWriteAtomicReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.Write(ctx, "in/prompts.txt", strings.NewReader("v1")))
	require.NoError(t, w.Write(ctx, "in/prompts.txt", strings.NewReader("v2")))

	b, err := os.ReadFile(filepath.Join(dir, "prompts.labels.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(b))
	noTemp(t, dir)
}

func TestPathMapping(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		opts Options
		id   string
		want string
	}{
		{"flat default suffix", Options{}, "a/b/prompts.md", "prompts.labels.jsonl"},
		{"stdin", Options{}, "stdin", "stdin.labels.jsonl"},
		{"keep name", Options{Suffix: "keep"}, "x/p.txt", "p.txt"},
		{"custom suffix", Options{Suffix: ".out"}, "p.txt", "p.out"},
		{"nested", Options{Flat: boolPtr(false)}, "sub/p.txt", filepath.Join("sub", "p.labels.jsonl")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o := c.opts
			o.OutputDir = dir
			w, err := New(&o)
			require.NoError(t, err)
			got, err := w.Path(contract.ArtifactID(c.id))
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, c.want), got)
		})
	}
}

func TestPathInvalid(t *testing.T) {
	w, err := New(&Options{OutputDir: t.TempDir(), Flat: boolPtr(false)})
	require.NoError(t, err)
	abs := "/abs"
	if runtime.GOOS == "windows" {
		abs = `C:\abs`
	}
	for _, id := range []string{"../bad", "..", ".", abs} {
		_, err := w.Path(contract.ArtifactID(id))
		assert.ErrorIs(t, err, contract.ErrPathInvalid, id)
	}
	assert.ErrorIs(t, w.Write(context.Background(), "../bad", strings.NewReader("x")), contract.ErrPathInvalid)
}

func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir, Flat: boolPtr(false), Atomic: boolPtr(false)})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "sub/out.txt", strings.NewReader("v")))
	b, err := os.ReadFile(filepath.Join(dir, "sub", "out.labels.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(b))
}

func TestWriteCtxCancel(t *testing.T) {
	w, err := New(&Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, "a.txt", strings.NewReader("data")), context.Canceled)

	r := ctxReader{ctx: ctx, r: strings.NewReader("data")}
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewInvalid(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(&Options{OutputDir: "  "})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

func TestWriteAtomicCopyErrorLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	require.NoError(t, err)
	assert.Error(t, w.Write(context.Background(), "a.txt", errReader{}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
