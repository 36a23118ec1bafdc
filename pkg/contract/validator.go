package contract

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

var rolePattern = regexp.MustCompile(`^[a-z][a-zA-Z]*(\.[a-z][a-zA-Z]*)*$`)

// ValidRole 报告角色是否为合法点分路径。
func ValidRole(role string) bool { return rolePattern.MatchString(role) }

// ValidationReport: 校验结论；Errors 为人类可读且可回灌给修复提示词的条目。
type ValidationReport struct {
	OK     bool
	Errors []string
}

// Validator: 结构/策略校验（纯函数，无 I/O）。
type Validator interface {
	Validate(text string, spans []Span, policy ValidationPolicy) ValidationReport
}

// PolicyValidator: 默认校验器。
type PolicyValidator struct{}

var _ Validator = PolicyValidator{}

// Validate 实现 Validator。
func (PolicyValidator) Validate(text string, spans []Span, policy ValidationPolicy) ValidationReport {
	return ValidateSpans(text, spans, policy)
}

// ValidateSpans: 逐条检查边界、文本一致、角色语法、类别、置信度，再检查整体约束。
// 约束：
//  1. 0 <= start < end <= len(text) 且 text[start:end] == span.text；
//  2. 角色为合法点分路径且类别已知、未被禁止；
//  3. confidence >= policy.MinConfidence；
//  4. 区间两两不重叠（错误类 overlap）；
//  5. span 数不超过 MaxSpans（0 不限），required 类别全部出现。
func ValidateSpans(text string, spans []Span, policy ValidationPolicy) ValidationReport {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }
	seen := make(map[string]bool)
	for i, s := range spans {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			add("span[%d] %q: 越界区间 [%d,%d)", i, s.Text, s.Start, s.End)
			continue
		}
		if text[s.Start:s.End] != s.Text {
			add("span[%d] %q: 区间 [%d,%d) 与文本不一致", i, s.Text, s.Start, s.End)
		}
		if !ValidRole(s.Role) {
			add("span[%d] %q: 非法角色 %q", i, s.Text, s.Role)
			continue
		}
		cat := s.Category()
		if !KnownCategory(cat) {
			add("span[%d] %q: 未知类别 %q", i, s.Text, cat)
		} else if policy.IsForbidden(cat) {
			add("span[%d] %q: 类别 %q 被禁止", i, s.Text, cat)
		}
		if s.Confidence < policy.MinConfidence {
			add("span[%d] %q: 置信度 %.2f 低于 %.2f", i, s.Text, s.Confidence, policy.MinConfidence)
		}
		seen[cat] = true
	}
	for _, p := range Overlaps(spans) {
		add("overlap: span[%d] %q 与 span[%d] %q 重叠", p[0], spans[p[0]].Text, p[1], spans[p[1]].Text)
	}
	if policy.MaxSpans > 0 && len(spans) > policy.MaxSpans {
		add("span 数 %d 超过上限 %d", len(spans), policy.MaxSpans)
	}
	for _, r := range policy.Required {
		if !seen[r] {
			add("缺少必需类别 %q", r)
		}
	}
	return ValidationReport{OK: len(errs) == 0, Errors: errs}
}

// Overlaps 返回重叠的下标对（按起点排序后相邻比较）。
func Overlaps(spans []Span) [][2]int {
	idx := make([]int, len(spans))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return spans[idx[a]].Start < spans[idx[b]].Start })
	var out [][2]int
	maxEnd, owner := -1, -1
	for _, i := range idx {
		if spans[i].Start < maxEnd {
			out = append(out, [2]int{owner, i})
		}
		if spans[i].End > maxEnd {
			maxEnd, owner = spans[i].End, i
		}
	}
	return out
}

// SortSpans 按 (Start, End) 原地排序。
func SortSpans(spans []Span) {
	sort.SliceStable(spans, func(a, b int) bool {
		if spans[a].Start != spans[b].Start {
			return spans[a].Start < spans[b].Start
		}
		return spans[a].End < spans[b].End
	})
}

// Decoded: 解码后的模型回复。
type Decoded struct {
	Claims        []SpanClaim
	Version       string
	Notes         string
	IsAdversarial bool
	AnalysisTrace string
}

// Decoder: 将模型原始文本解码为 Span 声明；结构不符返回 ErrSchemaInvalid。
type Decoder interface {
	Decode(ctx context.Context, raw string) (Decoded, error)
}
