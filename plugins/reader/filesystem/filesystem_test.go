package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanlabel/pkg/contract"
)

func write(t *testing.T, p, s string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
}

// collect 返回按访问顺序的基名与内容。
func collect(t *testing.T, r *FileSystem, roots ...string) ([]string, map[string]string) {
	t.Helper()
	var names []string
	data := map[string]string{}
	err := r.Iterate(context.Background(), roots, func(id contract.FileID, rc io.ReadCloser) error {
		b, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		names = append(names, filepath.Base(string(id)))
		data[filepath.Base(string(id))] = string(b)
		return rc.Close()
	})
	require.NoError(t, err)
	return names, data
}

func TestIterateSingleFile(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "prompts.txt")
	write(t, fp, "A dog runs on the beach")
	var gotID contract.FileID
	err := New(nil).Iterate(context.Background(), []string{fp}, func(id contract.FileID, rc io.ReadCloser) error {
		gotID = id
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, contract.NormalizeFileID(fp), gotID)
}

func TestIterateOrderAndExtensions(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b.txt"), "b")
	write(t, filepath.Join(dir, "a.md"), "a")
	write(t, filepath.Join(dir, "c.jsonl"), `{"text":"c"}`)
	write(t, filepath.Join(dir, "image.png"), "skip")
	write(t, filepath.Join(dir, "sub", "z.TXT"), "z")

	names, data := collect(t, New(nil), dir)
	assert.Equal(t, []string{"z.TXT", "a.md", "b.txt", "c.jsonl"}, names, "先子目录后文件，字典序")
	assert.Equal(t, "a", data["a.md"])

	names, _ = collect(t, New(&Options{Extensions: []string{"png"}}), dir)
	assert.Equal(t, []string{"image.png"}, names)
}

func TestExplicitFileIgnoresExtensionFilter(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "notes.prompt")
	write(t, fp, "x")
	names, _ := collect(t, New(nil), fp)
	assert.Equal(t, []string{"notes.prompt"}, names)
}

func TestExcludeDir(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "keep.txt"), "k")
	write(t, filepath.Join(dir, "Skip", "bad.txt"), "b")
	names, _ := collect(t, New(&Options{ExcludeDirNames: []string{"skip"}}), dir)
	assert.Equal(t, []string{"keep.txt"}, names)
}

func TestMaxFileBytes(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "big.txt")
	write(t, fp, strings.Repeat("x", 100))
	err := New(&Options{MaxFileBytes: 10}).Iterate(context.Background(), []string{fp}, func(contract.FileID, io.ReadCloser) error { return nil })
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestIterateDashMix(t *testing.T) {
	err := New(nil).Iterate(context.Background(), []string{"-", "a"}, func(contract.FileID, io.ReadCloser) error { return nil })
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestIterateStdin(t *testing.T) {
	for _, roots := range [][]string{nil, {"-"}} {
		old := os.Stdin
		pr, pw, err := os.Pipe()
		require.NoError(t, err)
		os.Stdin = pr
		go func() {
			_, _ = pw.Write([]byte("hi"))
			_ = pw.Close()
		}()
		var id contract.FileID
		var data []byte
		err = New(nil).Iterate(context.Background(), roots, func(fid contract.FileID, rc io.ReadCloser) error {
			defer rc.Close()
			id = fid
			data, _ = io.ReadAll(rc)
			return nil
		})
		os.Stdin = old
		_ = pr.Close()
		require.NoError(t, err)
		assert.Equal(t, contract.FileID("stdin"), id)
		assert.Equal(t, "hi", string(data))
	}
}

func TestIterateCtxCancel(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "a.txt")
	write(t, fp, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(nil).Iterate(ctx, []string{fp}, func(contract.FileID, io.ReadCloser) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBufferedCloserIdempotent(t *testing.T) {
	bc := newBufferedCloser(io.NopCloser(strings.NewReader("")), 0)
	require.NotNil(t, bc.Reader)
	assert.NoError(t, bc.Close())
	assert.NoError(t, bc.Close())
}
