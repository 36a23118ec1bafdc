package contract

import (
	"fmt"
	"sort"
)

// Categories: 受支持的顶层类别（角色首段）。未知类别在边界处即被拒绝。
var knownCategories = map[string]struct{}{
	"subject":     {},
	"action":      {},
	"camera":      {},
	"shot":        {},
	"lighting":    {},
	"style":       {},
	"environment": {},
	"color":       {},
	"audio":       {},
	"technical":   {},
}

// KnownCategory 报告类别是否属于分类体系。
func KnownCategory(c string) bool {
	_, ok := knownCategories[c]
	return ok
}

// Categories 返回排序后的类别列表（提示词与文档使用）。
func Categories() []string {
	out := make([]string, 0, len(knownCategories))
	for c := range knownCategories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ValidationPolicy: 调用方提供的校验策略；单次请求内不可变，流水线不修改。
type ValidationPolicy struct {
	Required      []string `json:"required,omitempty" yaml:"required,omitempty" mapstructure:"required"`
	Optional      []string `json:"optional,omitempty" yaml:"optional,omitempty" mapstructure:"optional"`
	Forbidden     []string `json:"forbidden,omitempty" yaml:"forbidden,omitempty" mapstructure:"forbidden"`
	MaxSpans      int      `json:"max_spans,omitempty" yaml:"max_spans,omitempty" mapstructure:"max_spans"`
	MinConfidence float64  `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty" mapstructure:"min_confidence"`
}

// Validate: 边界校验。
// 约束：
//  1. 所有类别必须已知；
//  2. 同一类别不得同时为 required 与 forbidden；
//  3. MaxSpans >= 0（0 表示不限）；
//  4. MinConfidence ∈ [0,1]。
func (p ValidationPolicy) Validate() error {
	lists := []struct {
		name string
		v    []string
	}{{"required", p.Required}, {"optional", p.Optional}, {"forbidden", p.Forbidden}}
	for _, l := range lists {
		for _, c := range l.v {
			if !KnownCategory(c) {
				return fmt.Errorf("%w: policy.%s 含未知类别 %q", ErrInvalidInput, l.name, c)
			}
		}
	}
	for _, r := range p.Required {
		if p.IsForbidden(r) {
			return fmt.Errorf("%w: 类别 %q 同时为 required 与 forbidden", ErrInvalidInput, r)
		}
	}
	if p.MaxSpans < 0 {
		return fmt.Errorf("%w: policy.max_spans 不能为负", ErrInvalidInput)
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("%w: policy.min_confidence 须在 [0,1]", ErrInvalidInput)
	}
	return nil
}

// IsForbidden 报告类别是否被禁止。
func (p ValidationPolicy) IsForbidden(category string) bool {
	for _, f := range p.Forbidden {
		if f == category {
			return true
		}
	}
	return false
}

// Canonical 返回排序去重后的副本，用于稳定序列化与哈希。
func (p ValidationPolicy) Canonical() ValidationPolicy {
	return ValidationPolicy{
		Required:      sortedUnique(p.Required),
		Optional:      sortedUnique(p.Optional),
		Forbidden:     sortedUnique(p.Forbidden),
		MaxSpans:      p.MaxSpans,
		MinConfidence: p.MinConfidence,
	}
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
