package fastpath

import (
	"regexp"
	"sort"
	"strings"

	"spanlabel/internal/frame"
	"spanlabel/internal/resolve"
	"spanlabel/pkg/contract"
)

// 置信度分级。
const (
	confDictionary    = 0.9
	confUnconditional = 0.85
	confSubject       = 0.8
	confConditional   = 0.75
	confMotion        = 0.7
)

var cameraWord = regexp.MustCompile(`(?i)\bcamera\b`)

type candidate struct {
	from, to int // 词元下标，左闭右开
	role     string
	conf     float64
}

// scan 依次尝试：词典最长匹配 → 框架动词（含方向/方式扩展）→ 限定词引出的主体名词短语。
func (e *Extractor) scan(in Input, res *resolve.Resolver) []contract.Span {
	toks := tokenize(in.Text)
	used := make([]bool, len(toks))
	var cands []candidate
	take := func(c candidate) {
		for k := c.from; k < c.to; k++ {
			used[k] = true
		}
		cands = append(cands, c)
	}

	for i := 0; i < len(toks); {
		if c, ok := e.matchDictionary(toks, i); ok {
			take(c)
			i = c.to
			continue
		}
		if c, ok := e.matchFrame(toks, i, in.Text, in.CameraHint); ok {
			take(c)
			i = c.to
			continue
		}
		i++
	}
	for i := range toks {
		if used[i] {
			continue
		}
		if c, ok := e.matchSubject(toks, used, i); ok {
			take(c)
		}
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].from < cands[b].from })

	spans := make([]contract.Span, 0, len(cands))
	for _, c := range cands {
		start, end := toks[c.from].start, toks[c.to-1].end
		m, ok := res.FindBestMatch(in.Text, in.Text[start:end], start)
		if !ok {
			continue
		}
		spans = append(spans, contract.Span{
			Start:      m.Start,
			End:        m.End,
			Role:       c.role,
			Text:       in.Text[m.Start:m.End],
			Confidence: c.conf,
			Source:     contract.SourceFastPath,
		})
	}
	return spans
}

func (e *Extractor) matchDictionary(toks []token, i int) (candidate, bool) {
	for n := min(e.maxDict, len(toks)-i); n >= 1; n-- {
		if role, ok := e.dict.Phrases[joinNorm(toks[i:i+n])]; ok {
			return candidate{from: i, to: i + n, role: role, conf: confDictionary}, true
		}
	}
	return candidate{}, false
}

func (e *Extractor) matchFrame(toks []token, i int, text string, hint bool) (candidate, bool) {
	for n := min(e.frames.MaxPhraseWords(), len(toks)-i); n >= 1; n-- {
		ctx := frame.Context{
			HasCameraKeyword:    e.cameraNearby(text, toks[i].start, toks[i+n-1].end),
			LikelyCameraContext: hint,
		}
		if i+n < len(toks) {
			ctx.DirectionalWord = toks[i+n].norm
		}
		ev, ok := e.frames.Disambiguate(joinNorm(toks[i:i+n]), ctx)
		if !ok {
			continue
		}
		c := candidate{from: i, to: i + n, role: ev.Category}
		switch ev.Tier {
		case frame.TierUnconditional:
			c.conf = confUnconditional
		case frame.TierConditional:
			c.conf = confConditional
		default:
			c.conf = confMotion
		}
		if c.to < len(toks) && e.frames.IsDirection(toks[c.to].norm) && e.extends(ev, "Direction") {
			c.to++
		}
		if c.to < len(toks) && e.manner[toks[c.to].norm] && (e.extends(ev, "Speed") || e.extends(ev, "Manner")) {
			c.to++
		}
		return c, true
	}
	return candidate{}, false
}

// extends: 框架元素映射的角色与命中类别同属一个顶层类别时，元素词并入区间。
func (e *Extractor) extends(ev frame.Evocation, element string) bool {
	role, ok := e.frames.ElementRole(ev.Frame, element)
	return ok && contract.CategoryOf(role) == contract.CategoryOf(ev.Category)
}

// cameraNearby 在原文上按字节窗口查找 camera；大小写折叠可能改变字节长度，故不在小写副本上切片。
func (e *Extractor) cameraNearby(text string, start, end int) bool {
	lo, hi := max(0, start-e.opts.CameraWindow), min(len(text), end+e.opts.CameraWindow)
	return cameraWord.MatchString(text[lo:hi])
}

// matchSubject: 限定词后 1~3 个未占用词元内出现主体名词，则取限定词之后到名词为止。
func (e *Extractor) matchSubject(toks []token, used []bool, i int) (candidate, bool) {
	if !e.determiners[toks[i].norm] {
		return candidate{}, false
	}
	for j := i + 1; j < len(toks) && j <= i+3; j++ {
		if used[j] || e.determiners[toks[j].norm] {
			return candidate{}, false
		}
		if e.subjects[singular(toks[j].norm)] {
			return candidate{from: i + 1, to: j + 1, role: "subject", conf: confSubject}, true
		}
	}
	return candidate{}, false
}

func singular(w string) string {
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		return w[:len(w)-3] + "y"
	case w == "men" || strings.HasSuffix(w, "women"):
		return strings.TrimSuffix(w, "en") + "an"
	case w == "children":
		return "child"
	case w == "people":
		return "person"
	case strings.HasSuffix(w, "es") && (strings.HasSuffix(w, "xes") || strings.HasSuffix(w, "ches") || strings.HasSuffix(w, "shes")):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}
