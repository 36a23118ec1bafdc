package generate

import (
	"fmt"

	"spanlabel/internal/resolve"
	"spanlabel/pkg/contract"
)

// Materialize 把模型声明落回源文本。
// 约束：
//  1. 以声明的 start 作为 preferredStart 提示（-1 表示无提示）；
//  2. 定位失败的声明被丢弃，并以 ErrPositionNotFound 文案记入 notes；
//  3. 与已接受片段区间完全相同的声明视为重复并丢弃；
//  4. 输出 Text 一律取自源文本切片，满足 text[Start:End] == Text。
func Materialize(text string, claims []contract.SpanClaim, res *resolve.Resolver, source contract.Source) ([]contract.Span, []string) {
	if res == nil {
		res = resolve.New(nil)
	}
	type key struct{ s, e int }
	seen := make(map[key]bool, len(claims))
	spans := make([]contract.Span, 0, len(claims))
	var notes []string
	for _, c := range claims {
		m, ok := res.FindBestMatch(text, c.Text, c.Start)
		if !ok {
			notes = append(notes, fmt.Sprintf("%v: %q (%s)", contract.ErrPositionNotFound, c.Text, c.Role))
			continue
		}
		k := key{m.Start, m.End}
		if seen[k] {
			continue
		}
		seen[k] = true
		spans = append(spans, contract.Span{
			Start:      m.Start,
			End:        m.End,
			Role:       c.Role,
			Text:       text[m.Start:m.End],
			Confidence: c.Confidence,
			Source:     source,
		})
	}
	contract.SortSpans(spans)
	return spans, notes
}
