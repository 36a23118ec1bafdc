package contract

import "strings"

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Index: 单文件内稳定递增的索引（0..n-1）。
type Index int64

// Meta: 可选的轻量元信息；核心流程不读取其键值。
type Meta map[string]string

// Record: 原子输入片段（一条待标注的描述文本，不可跨文件）。
// 约束：
// - FileID 一致；
// - Index 自 0 严格递增；
// - Text 为最小必需文本（经 CRLF→LF 归一），不做业务性清洗。
type Record struct {
	Index  Index
	FileID FileID
	Text   string
	Meta   Meta // 可为 nil
}

// Source: Span 的产出来源。
type Source string

const (
	SourceFastPath Source = "fastpath"
	SourceLLM      Source = "llm"
	SourceRepaired Source = "repaired"
)

// Span: 源文本中带语义角色的字节区间 [Start,End)。
// 约束：
//  1. 0 <= Start < End <= len(text)；
//  2. text[Start:End] == Text；
//  3. Role 为点分路径（如 camera.movement），首段即类别。
type Span struct {
	Start      int     `json:"start" yaml:"start"`
	End        int     `json:"end" yaml:"end"`
	Role       string  `json:"role" yaml:"role"`
	Text       string  `json:"text" yaml:"text"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	Source     Source  `json:"source,omitempty" yaml:"source,omitempty"`
}

// Category 返回 Role 的首段。
func (s Span) Category() string { return CategoryOf(s.Role) }

// Len 返回区间字节长度。
func (s Span) Len() int { return s.End - s.Start }

// CategoryOf 返回点分角色路径的首段。
func CategoryOf(role string) string {
	if i := strings.IndexByte(role, '.'); i >= 0 {
		return role[:i]
	}
	return role
}

// ResultMeta: 结果元信息。NLP* 字段仅在快速路径尝试过时出现。
type ResultMeta struct {
	Version       string `json:"version"`
	Notes         string `json:"notes"`
	NLPAttempted  *bool  `json:"nlpAttempted,omitempty"`
	NLPSpansFound *int   `json:"nlpSpansFound,omitempty"`
}

// LabelResult: 单次请求的最终产物；通过校验后视为不可变，是唯一写入缓存的实体。
type LabelResult struct {
	Spans         []Span     `json:"spans"`
	Meta          ResultMeta `json:"meta"`
	IsAdversarial bool       `json:"isAdversarial"`
	AnalysisTrace string     `json:"analysisTrace,omitempty"`
}

// Clone 深拷贝，跨缓存边界时使用。
func (r LabelResult) Clone() LabelResult {
	out := r
	if r.Spans != nil {
		out.Spans = make([]Span, len(r.Spans))
		copy(out.Spans, r.Spans)
	}
	if r.Meta.NLPAttempted != nil {
		v := *r.Meta.NLPAttempted
		out.Meta.NLPAttempted = &v
	}
	if r.Meta.NLPSpansFound != nil {
		v := *r.Meta.NLPSpansFound
		out.Meta.NLPSpansFound = &v
	}
	return out
}

// SpanClaim: 模型上报的未定位 Span。Start 仅为近似提示（字节偏移），缺省为 -1。
type SpanClaim struct {
	Text       string
	Role       string
	Start      int
	Confidence float64
}

// MatchKind: 定位命中的策略。
type MatchKind string

const (
	MatchExact           MatchKind = "exact"
	MatchCaseInsensitive MatchKind = "case_insensitive"
	MatchFuzzy           MatchKind = "fuzzy"
	MatchFailure         MatchKind = "failure"
)

// MatchResult: 定位器的瞬时输出，不持久化。
type MatchResult struct {
	Start int
	End   int
	Kind  MatchKind
}
