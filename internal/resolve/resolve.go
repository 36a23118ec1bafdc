// Package resolve 将模型声称的子串定位回源文本的字节区间。
// 策略按序短路：精确 → 大小写不敏感 → 归一化后模糊（编辑距离）。
package resolve

import (
	"sort"
	"strings"
	"unicode/utf8"

	"spanlabel/internal/diag"
	"spanlabel/pkg/contract"
)

const (
	// MaxCandidates: 模糊匹配候选起点上限。
	MaxCandidates = 120
	// AnchorRunes: 以目标归一化后的前 N 个字符作为锚点。
	AnchorRunes = 6
	// WindowSlack: 窗口相对目标长度的额外字符数。
	WindowSlack = 10
	// MaxDistance: 可接受的最大归一化编辑距离。
	MaxDistance = 0.35
)

// Stats: 单个 Resolver 的命中统计。
type Stats struct {
	Exact           int
	CaseInsensitive int
	Fuzzy           int
	Failure         int
}

// Resolver: 按源文本缓存出现位置的定位器。
// 约束：非并发安全；每个请求各自构造，或在切换文本前调用 Clear。
type Resolver struct {
	text   string
	active bool
	occ    map[string][]int
	norm   *normalized
	stats  Stats
	logger *diag.Logger
}

// New 构造定位器；logger 可为 nil。
func New(logger *diag.Logger) *Resolver {
	return &Resolver{logger: logger, occ: make(map[string][]int)}
}

// Clear 重置按文本缓存。
func (r *Resolver) Clear() {
	r.text = ""
	r.active = false
	r.occ = make(map[string][]int)
	r.norm = nil
}

// Stats 返回累计命中统计。
func (r *Resolver) Stats() Stats { return r.stats }

func (r *Resolver) bind(text string) {
	if r.active && r.text == text {
		return
	}
	r.Clear()
	r.text = text
	r.active = true
}

// FindBestMatch 返回 sub 在 text 中的最佳区间。preferredStart 为近似字节偏移提示。
func (r *Resolver) FindBestMatch(text, sub string, preferredStart int) (contract.MatchResult, bool) {
	if sub == "" || text == "" {
		r.record(contract.MatchFailure, sub)
		return contract.MatchResult{}, false
	}
	r.bind(text)

	if offs := r.occurrences(sub); len(offs) > 0 {
		start := nearest(offs, preferredStart)
		r.record(contract.MatchExact, sub)
		return contract.MatchResult{Start: start, End: start + len(sub), Kind: contract.MatchExact}, true
	}
	if m, ok := caseInsensitive(text, sub, preferredStart); ok {
		r.record(contract.MatchCaseInsensitive, sub)
		return m, true
	}
	if r.norm == nil {
		r.norm = normalizeWithOffsets(text)
	}
	if m, dist, ok := fuzzy(r.norm, sub); ok {
		r.record(contract.MatchFuzzy, sub)
		r.logger.Debug("resolve", "fuzzy match", map[string]string{
			"substring": sub, "matched": text[m.Start:m.End], "distance": formatFloat(dist),
		})
		return m, true
	}
	r.record(contract.MatchFailure, sub)
	r.logger.Warn("resolve", "position not found", map[string]string{"substring": sub})
	return contract.MatchResult{}, false
}

func (r *Resolver) record(kind contract.MatchKind, sub string) {
	switch kind {
	case contract.MatchExact:
		r.stats.Exact++
	case contract.MatchCaseInsensitive:
		r.stats.CaseInsensitive++
	case contract.MatchFuzzy:
		r.stats.Fuzzy++
	default:
		r.stats.Failure++
	}
	diag.MatchTotal.WithLabelValues(string(kind)).Inc()
}

// occurrences 全量扫描并缓存 sub 的全部（可重叠）出现位置，升序。
func (r *Resolver) occurrences(sub string) []int {
	if offs, ok := r.occ[sub]; ok {
		return offs
	}
	var offs []int
	for i := 0; i+len(sub) <= len(r.text); {
		j := strings.Index(r.text[i:], sub)
		if j < 0 {
			break
		}
		offs = append(offs, i+j)
		_, size := utf8.DecodeRuneInString(r.text[i+j:])
		i += j + size
	}
	r.occ[sub] = offs
	return offs
}

// nearest 在升序偏移中二分查找距 preferred 最近者；等距时取较早出现者。
func nearest(offs []int, preferred int) int {
	if len(offs) == 1 {
		return offs[0]
	}
	i := sort.SearchInts(offs, preferred)
	switch {
	case i == 0:
		return offs[0]
	case i == len(offs):
		return offs[len(offs)-1]
	}
	before, after := offs[i-1], offs[i]
	if preferred-before <= after-preferred {
		return before
	}
	return after
}

// caseInsensitive 以 Unicode 简单大小写折叠逐字符比较，要求区间落在字符边界上。
func caseInsensitive(text, sub string, preferred int) (contract.MatchResult, bool) {
	n := utf8.RuneCountInString(sub)
	var starts, ends []int
	for i := 0; i < len(text); {
		j, k := i, 0
		for k < n && j < len(text) {
			_, size := utf8.DecodeRuneInString(text[j:])
			j += size
			k++
		}
		if k < n {
			break
		}
		if strings.EqualFold(text[i:j], sub) {
			starts = append(starts, i)
			ends = append(ends, j)
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	if len(starts) == 0 {
		return contract.MatchResult{}, false
	}
	start := nearest(starts, preferred)
	idx := sort.SearchInts(starts, start)
	return contract.MatchResult{Start: start, End: ends[idx], Kind: contract.MatchCaseInsensitive}, true
}
