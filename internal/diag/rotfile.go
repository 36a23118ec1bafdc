package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// RotatingFile: 按大小轮转的日志文件，实现 zapcore.WriteSyncer。
// - 当前文件固定名：spanlabel-current.log
// - 写入前若 size+len(p) 超过 maxBytes，将当前文件重命名为 spanlabel-<UTC 纳秒时间戳>.log 后重建；
// - Keep>0 时轮转后只保留最新的 Keep 个历史文件。
type RotatingFile struct {
	dir      string
	maxBytes int64
	// Keep: 历史文件保留数；0 表示不清理。
	Keep int

	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

var _ zapcore.WriteSyncer = (*RotatingFile)(nil)

const currentLogName = "spanlabel-current.log"

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes}
}

// Write 写入一条完整日志行（zap 每次写入以换行结尾）。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return 0, err
	}
	if w.curSize > 0 && w.curSize+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.curSize += int64(n)
	return n, err
}

// Sync 刷盘。
func (w *RotatingFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	old := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	if err := os.Rename(old, filepath.Join(w.dir, fmt.Sprintf("spanlabel-%s.log", ts))); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出 Keep 的最旧历史文件；时间戳命名保证字典序即时间序。清理失败不影响写入。
func (w *RotatingFile) prune() {
	if w.Keep <= 0 {
		return
	}
	old, err := filepath.Glob(filepath.Join(w.dir, "spanlabel-2*.log"))
	if err != nil || len(old) <= w.Keep {
		return
	}
	sort.Strings(old)
	for _, p := range old[:len(old)-w.Keep] {
		_ = os.Remove(p)
	}
}

// Close 关闭当前打开的文件句柄。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
