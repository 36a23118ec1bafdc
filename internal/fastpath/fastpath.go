// Package fastpath 以词典与框架规则直接从输入文本抽取 Span，不调用外部生成服务。
// 快速路径以召回换时延：任何不确定都返回放弃原因，由调用方回退到生成路径。
package fastpath

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"spanlabel/internal/diag"
	"spanlabel/internal/frame"
	"spanlabel/internal/resolve"
	"spanlabel/pkg/contract"
)

// Reason: 快速路径结论；Accepted 以外的值均为放弃原因。
type Reason string

const (
	Accepted              Reason = ""
	ReasonDisabled        Reason = "disabled"
	ReasonTooShort        Reason = "too_short"
	ReasonTooLong         Reason = "too_long"
	ReasonCapability      Reason = "capability_unavailable"
	ReasonExtractionError Reason = "extraction_failed"
	ReasonAdversarial     Reason = "adversarial"
	ReasonLowCoverage     Reason = "low_coverage"
	ReasonValidation      Reason = "validation_failed"
)

// Declined 报告是否放弃。
func (r Reason) Declined() bool { return r != Accepted }

// Classifier: 可选的本地分类能力（细化快速路径产出的角色）。
type Classifier interface {
	Refine(ctx context.Context, text string, spans []contract.Span) ([]contract.Span, error)
}

// Options: 快速路径配置；零值字段使用默认值。
type Options struct {
	Disabled          bool       `json:"disabled" mapstructure:"disabled" yaml:"disabled"`
	MinTextLen        int        `json:"min_text_len" mapstructure:"min_text_len" yaml:"min_text_len"`   // 字符数，默认 12
	MaxTextLen        int        `json:"max_text_len" mapstructure:"max_text_len" yaml:"max_text_len"`   // 字符数，默认 600
	MinSpans          int        `json:"min_spans" mapstructure:"min_spans" yaml:"min_spans"`            // 默认 2
	CameraWindow      int        `json:"camera_window" mapstructure:"camera_window" yaml:"camera_window"` // camera 关键词邻域（字节），默认 100
	RequireClassifier bool       `json:"require_classifier" mapstructure:"require_classifier" yaml:"require_classifier"`
	Classifier        Classifier `json:"-" mapstructure:"-" yaml:"-"`
	Version           string     `json:"version" mapstructure:"version" yaml:"version"`
}

func (o Options) withDefaults() Options {
	if o.MinTextLen <= 0 {
		o.MinTextLen = 12
	}
	if o.MaxTextLen <= 0 {
		o.MaxTextLen = 600
	}
	if o.MinSpans <= 0 {
		o.MinSpans = 2
	}
	if o.CameraWindow <= 0 {
		o.CameraWindow = 100
	}
	return o
}

// Validate 边界校验。
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.MinTextLen > o.MaxTextLen {
		return fmt.Errorf("%w: fastpath.min_text_len 大于 max_text_len", contract.ErrInvalidInput)
	}
	return nil
}

// Input: 单次抽取请求。
type Input struct {
	Text       string
	Policy     contract.ValidationPolicy
	CameraHint bool
}

// Extractor: 快速路径抽取器；构造后只读，可并发使用（Resolver 由调用方按请求提供）。
type Extractor struct {
	frames    *frame.Disambiguator
	dict      Dictionary
	validator contract.Validator
	opts      Options
	logger    *diag.Logger

	subjects    map[string]bool
	determiners map[string]bool
	manner      map[string]bool
	maxDict     int
}

// New 构造抽取器。validator 为 nil 时使用 contract.PolicyValidator。
func New(frames *frame.Disambiguator, dict Dictionary, validator contract.Validator, opts Options, logger *diag.Logger) *Extractor {
	if validator == nil {
		validator = contract.PolicyValidator{}
	}
	e := &Extractor{
		frames:      frames,
		dict:        dict,
		validator:   validator,
		opts:        opts.withDefaults(),
		logger:      logger,
		subjects:    toSet(dict.Subjects),
		determiners: toSet(dict.Determiners),
		manner:      toSet(dict.Manner),
		maxDict:     dict.maxWords(),
	}
	return e
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[normalizePhrase(s)] = true
	}
	return m
}

// Extract 抽取全部可识别的 Span；放弃时返回原因且结果为零值。
func (e *Extractor) Extract(ctx context.Context, in Input, res *resolve.Resolver) (out contract.LabelResult, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("fastpath", "extraction panic", map[string]string{"panic": fmt.Sprint(r)})
			out, reason = contract.LabelResult{}, ReasonExtractionError
		}
		outcome := string(reason)
		if reason == Accepted {
			outcome = "accepted"
		}
		diag.FastPathTotal.WithLabelValues(outcome).Inc()
	}()

	if e.opts.Disabled || e.frames == nil {
		return contract.LabelResult{}, ReasonDisabled
	}
	n := utf8.RuneCountInString(strings.TrimSpace(in.Text))
	switch {
	case n < e.opts.MinTextLen:
		return contract.LabelResult{}, ReasonTooShort
	case n > e.opts.MaxTextLen:
		return contract.LabelResult{}, ReasonTooLong
	case e.opts.RequireClassifier && e.opts.Classifier == nil:
		return contract.LabelResult{}, ReasonCapability
	}
	lower := strings.ToLower(in.Text)
	for _, marker := range e.dict.Adversarial {
		if strings.Contains(lower, marker) {
			return contract.LabelResult{}, ReasonAdversarial
		}
	}

	spans := e.scan(in, res)
	if e.opts.Classifier != nil {
		refined, err := e.opts.Classifier.Refine(ctx, in.Text, spans)
		if err != nil {
			e.logger.Warn("fastpath", "classifier failed", map[string]string{"error": err.Error()})
			return contract.LabelResult{}, ReasonExtractionError
		}
		spans = refined
	}
	if len(spans) < e.opts.MinSpans {
		return contract.LabelResult{}, ReasonLowCoverage
	}

	rep := e.validator.Validate(in.Text, spans, in.Policy)
	if !rep.OK {
		spans = lenient(spans, in.Policy)
		if rep = e.validator.Validate(in.Text, spans, in.Policy); !rep.OK || len(spans) < e.opts.MinSpans {
			e.logger.Debug("fastpath", "validation not rescued", map[string]string{"errors": strings.Join(rep.Errors, "; ")})
			return contract.LabelResult{}, ReasonValidation
		}
	}

	attempted, found := true, len(spans)
	return contract.LabelResult{
		Spans: spans,
		Meta: contract.ResultMeta{
			Version:       e.opts.Version,
			Notes:         "fast-path",
			NLPAttempted:  &attempted,
			NLPSpansFound: &found,
		},
	}, Accepted
}

// lenient 丢弃禁止类别、低置信度与重叠的 Span，并按置信度截断至 MaxSpans；
// 缺失必需类别无法在此补救。
func lenient(spans []contract.Span, p contract.ValidationPolicy) []contract.Span {
	kept := make([]contract.Span, 0, len(spans))
	for _, s := range spans {
		if p.IsForbidden(s.Category()) || s.Confidence < p.MinConfidence {
			continue
		}
		overlap := false
		for _, k := range kept {
			if s.Start < k.End && k.Start < s.End {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, s)
		}
	}
	if p.MaxSpans > 0 && len(kept) > p.MaxSpans {
		sort.SliceStable(kept, func(a, b int) bool { return kept[a].Confidence > kept[b].Confidence })
		kept = kept[:p.MaxSpans]
		contract.SortSpans(kept)
	}
	return kept
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’\-][\p{L}\p{N}]+)*`)

type token struct {
	start, end int
	norm       string
}

func tokenize(text string) []token {
	locs := tokenPattern.FindAllStringIndex(text, -1)
	out := make([]token, len(locs))
	for i, l := range locs {
		out[i] = token{start: l[0], end: l[1], norm: normalizePhrase(text[l[0]:l[1]])}
	}
	return out
}

func joinNorm(toks []token) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.norm
	}
	return strings.Join(parts, " ")
}
