// Package jsonl 将标注结果装配为 JSON Lines：每条记录一行，失败记录携带 error。
package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"spanlabel/pkg/contract"
)

// Options 装配配置。
type Options struct {
	// IncludeTrace: 是否输出 analysisTrace（两阶段推理的中间分析，体积较大）。
	IncludeTrace bool `json:"include_trace"`
	// OmitText: 不回显源文本。
	OmitText bool `json:"omit_text"`
}

// Row: 输出行结构。
type Row struct {
	FileID string                `json:"file_id"`
	Index  int64                 `json:"index"`
	Meta   contract.Meta         `json:"meta,omitempty"`
	Text   string                `json:"text,omitempty"`
	Result *contract.LabelResult `json:"result,omitempty"`
	Error  *RowError             `json:"error,omitempty"`
}

// RowError: 失败记录的错误摘要。
type RowError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type assembler struct{ opts Options }

// New 从原样 JSON Options 创建装配器（严格解码，拒绝未知字段）。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("%w: jsonl options: %v", contract.ErrInvalidInput, err)
		}
	}
	return &assembler{opts: o}, nil
}

// Assemble 按 Index 严格升序逐行编码；混入其他 FileID 或乱序返回 ErrInvariantViolation。
func (a *assembler) Assemble(ctx context.Context, fileID contract.FileID, items []contract.Labeled) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, it := range items {
		if it.Record.FileID != fileID {
			return nil, fmt.Errorf("%w: record %d belongs to %s", contract.ErrInvariantViolation, it.Record.Index, it.Record.FileID)
		}
		if i > 0 && it.Record.Index <= items[i-1].Record.Index {
			return nil, fmt.Errorf("%w: index %d after %d", contract.ErrInvariantViolation, it.Record.Index, items[i-1].Record.Index)
		}
		if err := enc.Encode(a.row(it)); err != nil {
			return nil, err
		}
	}
	return &buf, nil
}

func (a *assembler) row(it contract.Labeled) Row {
	r := Row{FileID: string(it.Record.FileID), Index: int64(it.Record.Index), Meta: it.Record.Meta}
	if !a.opts.OmitText {
		r.Text = it.Record.Text
	}
	if it.Err != nil {
		kind := "error"
		var le *contract.LabelError
		if errors.As(it.Err, &le) {
			kind = string(le.Kind)
		}
		r.Error = &RowError{Kind: kind, Message: it.Err.Error()}
		return r
	}
	res := it.Result.Clone()
	if res.Spans == nil {
		res.Spans = []contract.Span{}
	}
	if !a.opts.IncludeTrace {
		res.AnalysisTrace = ""
	}
	r.Result = &res
	return r
}

var _ contract.Assembler = (*assembler)(nil)
