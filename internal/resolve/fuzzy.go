package resolve

import (
	"strconv"

	"spanlabel/pkg/contract"
)

// fuzzy 在归一化文本上寻找与目标编辑距离最小的窗口。
func fuzzy(n *normalized, sub string) (contract.MatchResult, float64, bool) {
	target := []rune(normalizeString(sub))
	if len(target) == 0 || len(n.runes) == 0 {
		return contract.MatchResult{}, 0, false
	}
	bestPos, bestLen, bestDist := -1, 0, 2.0
	for _, p := range candidates(n.runes, target) {
		end := p + len(target) + WindowSlack
		if end > len(n.runes) {
			end = len(n.runes)
		}
		l, d := bestPrefix(target, n.runes[p:end])
		if d < bestDist {
			bestPos, bestLen, bestDist = p, l, d
		}
	}
	if bestPos < 0 || bestDist > MaxDistance {
		return contract.MatchResult{}, bestDist, false
	}
	for bestLen > 0 && n.runes[bestPos] == ' ' {
		bestPos++
		bestLen--
	}
	for bestLen > 0 && n.runes[bestPos+bestLen-1] == ' ' {
		bestLen--
	}
	if bestLen == 0 {
		return contract.MatchResult{}, bestDist, false
	}
	return contract.MatchResult{
		Start: n.start[bestPos],
		End:   n.end[bestPos+bestLen-1],
		Kind:  contract.MatchFuzzy,
	}, bestDist, true
}

// candidates 返回至多 MaxCandidates 个候选起点：优先锚点（目标前 AnchorRunes 个字符）命中处，
// 无锚点命中时退化为定步长扫描。
func candidates(text, target []rune) []int {
	anchor := target
	if len(anchor) > AnchorRunes {
		anchor = anchor[:AnchorRunes]
	}
	var out []int
	for i := 0; i+len(anchor) <= len(text) && len(out) < MaxCandidates; i++ {
		if runesEqual(text[i:i+len(anchor)], anchor) {
			out = append(out, i)
		}
	}
	if len(out) > 0 {
		return out
	}
	stride := len(text) / MaxCandidates
	if stride < 1 {
		stride = 1
	}
	for i := 0; i < len(text) && len(out) < MaxCandidates; i += stride {
		out = append(out, i)
	}
	return out
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// bestPrefix 计算目标与窗口全部前缀的编辑距离，返回归一化距离最小的前缀长度。
// 归一化距离 = dist / max(len(target), len(prefix))。
func bestPrefix(target, window []rune) (int, float64) {
	m := len(target)
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	for i := 0; i <= m; i++ {
		prev[i] = i
	}
	bestLen, bestDist := 0, 2.0
	// 按窗口列推进：prev[i] = dist(target[:i], window[:j-1])
	for j := 1; j <= len(window); j++ {
		cur[0] = j
		for i := 1; i <= m; i++ {
			cost := 1
			if target[i-1] == window[j-1] {
				cost = 0
			}
			cur[i] = min(prev[i]+1, cur[i-1]+1, prev[i-1]+cost)
		}
		denom := max(m, j)
		if d := float64(cur[m]) / float64(denom); d < bestDist {
			bestLen, bestDist = j, d
		}
		prev, cur = cur, prev
	}
	return bestLen, bestDist
}

// Levenshtein 返回两个字符串按字符计的编辑距离。
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(ra)+1)
	cur := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}
	for j := 1; j <= len(rb); j++ {
		cur[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[i] = min(prev[i]+1, cur[i-1]+1, prev[i-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(ra)]
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }
