// Package filesystem 提供基于本地文件系统与 STDIN 的 Reader。
package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"spanlabel/pkg/contract"
)

// DefaultExtensions: 目录遍历时收录的提示词文件扩展名。
var DefaultExtensions = []string{".txt", ".md", ".jsonl"}

// Options 为 Reader 的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 递归时跳过的目录基名（大小写不敏感），如 [".git","node_modules"]。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 目录遍历时收录的扩展名；为空使用 DefaultExtensions。显式给出的单文件 root 不受限制。
	Extensions []string `json:"extensions"`
	// MaxFileBytes: 单文件上限；>0 时超限文件报错（防止误把大文件当作提示词集）。
	MaxFileBytes int64 `json:"max_file_bytes"`
}

// FileSystem 实现 contract.Reader。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	exts       map[string]struct{}
	maxBytes   int64
}

// ErrFileTooLarge: 文件超过 MaxFileBytes。
var ErrFileTooLarge = errors.New("filesystem: file too large")

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	r := &FileSystem{bufSize: 64 * 1024, excludeDir: map[string]struct{}{}, exts: map[string]struct{}{}, maxBytes: o.MaxFileBytes}
	if o.BufSize > 0 {
		r.bufSize = o.BufSize
	}
	for _, name := range o.ExcludeDirNames {
		if name != "" {
			r.excludeDir[strings.ToLower(name)] = struct{}{}
		}
	}
	exts := o.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		r.exts[e] = struct{}{}
	}
	return r
}

// Iterate 遍历 roots，按稳定顺序对每个常规文件调用 yield。
// 约束：
//  1. roots 为空或仅含 "-" 时读取 STDIN（FileID 为 "stdin"），"-" 不得与其他 root 混用；
//  2. 目录内先子目录后文件，均按字典序；
//  3. 不跟随指向目录的符号链接；
//  4. yield 返回错误时立即中止。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(contract.FileID("stdin"), newBufferedCloser(io.NopCloser(os.Stdin), r.bufSize))
	}
	for _, s := range roots {
		if s == "-" {
			return fmt.Errorf("%w: stdin '-' cannot be mixed with other roots", contract.ErrInvalidInput)
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.open(root, t.Size(), yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.open(root, info.Size(), yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !r.accept(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		// 符号链接看目标；设备、管道等非常规文件跳过
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := r.open(p, info.Size(), yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) accept(name string) bool {
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (r *FileSystem) open(p string, size int64, yield func(contract.FileID, io.ReadCloser) error) error {
	if r.maxBytes > 0 && size > r.maxBytes {
		return fmt.Errorf("%w: %s (%d > %d bytes)", ErrFileTooLarge, p, size, r.maxBytes)
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	defer brc.Close()
	return yield(contract.NormalizeFileID(p), brc)
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser；Close 幂等。
type bufferedCloser struct {
	*bufio.Reader
	c    io.Closer
	once sync.Once
	err  error
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error {
	b.once.Do(func() { b.err = b.c.Close() })
	return b.err
}
