package spanjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"spanlabel/pkg/contract"
)

// Options: 解码宽松度。
// - AllowUnknownFields: 允许回复携带 schema 之外的字段（默认拒绝）；
// - DefaultConfidence: 回复缺省 confidence 时的取值（默认 0.7）。
type Options struct {
	AllowUnknownFields bool     `json:"allow_unknown_fields"`
	DefaultConfidence  *float64 `json:"default_confidence"`
}

type decoder struct {
	strict  bool
	defConf float64
}

// New 从原样 JSON Options 创建解码器；未知字段视为配置错误。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("spanjson options: %w", err)
		}
	}
	d := &decoder{strict: !opts.AllowUnknownFields, defConf: 0.7}
	if opts.DefaultConfidence != nil {
		c := *opts.DefaultConfidence
		if c < 0 || c > 1 {
			return nil, fmt.Errorf("spanjson options: %w: default_confidence %v", contract.ErrInvalidInput, c)
		}
		d.defConf = c
	}
	return d, nil
}

var _ contract.Decoder = (*decoder)(nil)

type wireSpan struct {
	Text       string   `json:"text"`
	Role       string   `json:"role"`
	Start      *int     `json:"start"`
	Confidence *float64 `json:"confidence"`
}

type wireMeta struct {
	Version string `json:"version"`
	Notes   string `json:"notes"`
}

type wireResult struct {
	Spans         []wireSpan `json:"spans"`
	Meta          wireMeta   `json:"meta"`
	IsAdversarial bool       `json:"isAdversarial"`
	AnalysisTrace string     `json:"analysisTrace"`
}

// Decode 解析模型回复。
// 约束：
//  1. 去除 markdown 代码围栏与首尾说明文字后按 JSON 解析；
//  2. 顶层为对象 {spans, meta, isAdversarial} 或仅为 spans 数组；
//  3. text/role 为空、confidence 越界、结构不符均返回 ErrSchemaInvalid；
//  4. start 缺省或为负时记为 -1（无位置提示）。
func (d *decoder) Decode(ctx context.Context, raw string) (contract.Decoded, error) {
	if err := ctx.Err(); err != nil {
		return contract.Decoded{}, err
	}
	body := StripFences(raw)
	if body == "" {
		return contract.Decoded{}, fmt.Errorf("spanjson: empty response: %w", contract.ErrSchemaInvalid)
	}
	var res wireResult
	var err error
	if body[0] == '[' {
		err = d.unmarshal(body, &res.Spans)
	} else {
		err = d.unmarshal(body, &res)
	}
	if err != nil {
		return contract.Decoded{}, fmt.Errorf("spanjson: %v: %w", err, contract.ErrSchemaInvalid)
	}
	out := contract.Decoded{
		Claims:        make([]contract.SpanClaim, 0, len(res.Spans)),
		Version:       res.Meta.Version,
		Notes:         res.Meta.Notes,
		IsAdversarial: res.IsAdversarial,
		AnalysisTrace: res.AnalysisTrace,
	}
	for i, s := range res.Spans {
		if strings.TrimSpace(s.Text) == "" {
			return contract.Decoded{}, fmt.Errorf("spanjson: spans[%d] empty text: %w", i, contract.ErrSchemaInvalid)
		}
		if strings.TrimSpace(s.Role) == "" {
			return contract.Decoded{}, fmt.Errorf("spanjson: spans[%d] %q empty role: %w", i, s.Text, contract.ErrSchemaInvalid)
		}
		c := contract.SpanClaim{Text: s.Text, Role: strings.TrimSpace(s.Role), Start: -1, Confidence: d.defConf}
		if s.Start != nil && *s.Start >= 0 {
			c.Start = *s.Start
		}
		if s.Confidence != nil {
			if *s.Confidence < 0 || *s.Confidence > 1 {
				return contract.Decoded{}, fmt.Errorf("spanjson: spans[%d] confidence %v out of range: %w", i, *s.Confidence, contract.ErrSchemaInvalid)
			}
			c.Confidence = *s.Confidence
		}
		out.Claims = append(out.Claims, c)
	}
	return out, nil
}

func (d *decoder) unmarshal(body string, v any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	if d.strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// StripFences 去除 ```json 围栏，并截取首个 '{'/'[' 至与之配对的最后一个 '}'/']'。
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = ""
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" || s[0] == '{' || s[0] == '[' {
		return s
	}
	open := strings.IndexAny(s, "{[")
	if open < 0 {
		return s
	}
	closer := byte('}')
	if s[open] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= open {
		return s
	}
	return s[open : end+1]
}
