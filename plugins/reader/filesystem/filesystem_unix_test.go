//go:build !windows

package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanlabel/pkg/contract"
)

func TestWalkDirSkipsFifo(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "fifo.txt"), 0o644))
	names, _ := collect(t, New(nil), root)
	assert.Empty(t, names)
}

func TestIterateSymlinkFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.txt")
	write(t, target, "ok")
	link := filepath.Join(dir, "l.txt")
	require.NoError(t, os.Symlink(target, link))
	names, data := collect(t, New(nil), link)
	assert.Equal(t, []string{"l.txt"}, names)
	assert.Equal(t, "ok", data["l.txt"])
}

func TestSymlinkDirIgnored(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	write(t, filepath.Join(sub, "ok.txt"), "o")
	require.NoError(t, os.Symlink(sub, filepath.Join(root, "sub_link")))

	names, _ := collect(t, New(nil), root)
	assert.Equal(t, []string{"ok.txt"}, names)

	names, _ = collect(t, New(nil), filepath.Join(root, "sub_link"))
	assert.Empty(t, names)
}

func TestIterateSymlinkDangling(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling.txt")
	require.NoError(t, os.Symlink(filepath.Join(dir, "no"), link))
	err := New(nil).Iterate(context.Background(), []string{link}, func(contract.FileID, io.ReadCloser) error { return nil })
	assert.Error(t, err)
}
