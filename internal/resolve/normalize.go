package resolve

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripped: 引号与 markdown 标点，在模糊匹配中忽略。
func stripped(r rune) bool {
	switch r {
	case '"', '\'', '`', '“', '”', '‘', '’', '«', '»', '„', '‚',
		'*', '_', '~', '#', '>', '|', '[', ']':
		return true
	}
	return false
}

// normalized: 归一化后的字符序列及其到原文字节区间的映射。
type normalized struct {
	runes []rune
	start []int
	end   []int
}

// normalizeWithOffsets 逐字符执行 NFD 分解、去除组合记号与引号/markdown 标点、
// 折叠空白、转小写，并记录每个输出字符对应的原文字节区间。
func normalizeWithOffsets(text string) *normalized {
	n := &normalized{
		runes: make([]rune, 0, len(text)),
		start: make([]int, 0, len(text)),
		end:   make([]int, 0, len(text)),
	}
	space := true
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		for _, d := range norm.NFD.String(string(r)) {
			switch {
			case unicode.Is(unicode.Mn, d), stripped(d):
				continue
			case unicode.IsSpace(d):
				if space {
					continue
				}
				space = true
				d = ' '
			default:
				space = false
				d = unicode.ToLower(d)
			}
			n.runes = append(n.runes, d)
			n.start = append(n.start, i)
			n.end = append(n.end, i+size)
		}
		i += size
	}
	for len(n.runes) > 0 && n.runes[len(n.runes)-1] == ' ' {
		n.runes = n.runes[:len(n.runes)-1]
		n.start = n.start[:len(n.start)-1]
		n.end = n.end[:len(n.end)-1]
	}
	return n
}

// foldChain 每次调用新建：transform.Chain 持有内部缓冲，不可跨 goroutine 共享。
func foldChain() transform.Transformer {
	return transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(stripped)),
		runes.Map(unicode.ToLower),
	)
}

// normalizeString 对目标子串执行与 normalizeWithOffsets 一致的归一化。
func normalizeString(s string) string {
	out, _, err := transform.String(foldChain(), s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}
