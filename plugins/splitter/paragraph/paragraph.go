// Package paragraph 将提示词文件拆分为待标注记录：
// 纯文本/Markdown 以空行分段，一段一条；.jsonl 每行一个对象，一行一条。
package paragraph

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"spanlabel/pkg/contract"
)

// Options 拆分配置。
type Options struct {
	// MaxRecordBytes: 单条记录字节上限；0 表示不限制，超限返回错误。
	MaxRecordBytes int `json:"max_record_bytes"`
	// TextField: .jsonl 中承载提示词的字段名，默认 "text"。
	TextField string `json:"text_field"`
	// KeepHeadings: .md 文件默认跳过 '#' 开头的标题行；为 true 时保留。
	KeepHeadings bool `json:"keep_headings"`
}

// Splitter 实现 contract.Splitter；无状态、可并发复用。
type Splitter struct {
	maxBytes     int
	field        string
	keepHeadings bool
}

// New 创建拆分器。
func New(opts *Options) *Splitter {
	s := &Splitter{field: "text"}
	if opts != nil {
		s.maxBytes = opts.MaxRecordBytes
		s.keepHeadings = opts.KeepHeadings
		if f := strings.TrimSpace(opts.TextField); f != "" {
			s.field = f
		}
	}
	return s
}

// Split 按扩展名选择分段方式。Record.Meta["line"] 为该条在源文件中的起始行号（1 起）。
func (s *Splitter) Split(ctx context.Context, fileID contract.FileID, r io.Reader) ([]contract.Record, error) {
	if strings.EqualFold(path.Ext(string(fileID)), ".jsonl") {
		return s.splitJSONL(ctx, fileID, r)
	}
	return s.splitParagraphs(ctx, fileID, r)
}

func (s *Splitter) splitParagraphs(ctx context.Context, fileID contract.FileID, r io.Reader) ([]contract.Record, error) {
	md := strings.EqualFold(path.Ext(string(fileID)), ".md")
	sc := newScanner(r)
	var (
		recs  []contract.Record
		buf   []string
		start int
		line  int
	)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = buf[:0]
		if text == "" {
			return nil
		}
		return s.add(&recs, fileID, text, start)
	}
	for sc.Scan() {
		line++
		if line%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ln := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(ln) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if md && !s.keepHeadings && strings.HasPrefix(strings.TrimSpace(ln), "#") {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if len(buf) == 0 {
			start = line
		}
		buf = append(buf, ln)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Splitter) splitJSONL(ctx context.Context, fileID contract.FileID, r io.Reader) ([]contract.Record, error) {
	sc := newScanner(r)
	var recs []contract.Record
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", contract.ErrInvalidInput, fileID, line, err)
		}
		text, ok := obj[s.field].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s:%d: field %q missing or not a string", contract.ErrInvalidInput, fileID, line, s.field)
		}
		text = strings.ReplaceAll(text, "\r\n", "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		if err := s.add(&recs, fileID, text, line); err != nil {
			return nil, err
		}
		// 其余字符串字段原样透传，供装配器回显（如 id）
		meta := recs[len(recs)-1].Meta
		for k, v := range obj {
			if sv, ok := v.(string); ok && k != s.field {
				meta[k] = sv
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Splitter) add(recs *[]contract.Record, fileID contract.FileID, text string, line int) error {
	if s.maxBytes > 0 && len(text) > s.maxBytes {
		return fmt.Errorf("%w: %s:%d: record exceeds %d bytes", contract.ErrInvalidInput, fileID, line, s.maxBytes)
	}
	*recs = append(*recs, contract.Record{
		Index:  contract.Index(len(*recs)),
		FileID: fileID,
		Text:   text,
		Meta:   contract.Meta{"line": strconv.Itoa(line)},
	})
	return nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return sc
}

var _ contract.Splitter = (*Splitter)(nil)
