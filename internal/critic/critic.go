// Package critic 对候选 Span 集合做语义审校：按独立规则检出已知错误类，
// 可自动修正的只改写 Role，不增删 Span。
package critic

import (
	"fmt"
	"regexp"
	"strings"

	"spanlabel/internal/diag"
	"spanlabel/internal/frame"
	"spanlabel/pkg/contract"
)

// 规则名（亦作为指标标签与修复反馈前缀）。
const (
	RuleCameraActionConfusion = "camera_action_confusion"
	RuleOneClipOneAction      = "one_clip_one_action"
	RuleTaxonomyMisalignment  = "taxonomy_misalignment"
)

// Severity: 问题严重度。
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Disposition: 未能自动修正的机位动词的处置方式。
type Disposition string

const (
	// DispositionReview: 保留为告警，写入 Meta.Notes 供人工复核。
	DispositionReview Disposition = "review"
	// DispositionRepair: 计为阻断错误，交由修复环重新生成。
	DispositionRepair Disposition = "repair"
)

// Options: 审校配置；零值字段使用默认值。
type Options struct {
	// AutoCorrect: 为 false 时所有可修正问题均转为阻断错误。默认 true。
	AutoCorrect          *bool       `json:"auto_correct,omitempty" mapstructure:"auto_correct" yaml:"auto_correct,omitempty"`
	UnresolvedCameraVerb Disposition `json:"unresolved_camera_verb,omitempty" mapstructure:"unresolved_camera_verb" yaml:"unresolved_camera_verb,omitempty"`
	// CameraWindow: 在 Span 前后多少字节内查找 "camera"。默认 100。
	CameraWindow      int      `json:"camera_window,omitempty" mapstructure:"camera_window" yaml:"camera_window,omitempty"`
	SequentialMarkers []string `json:"sequential_markers,omitempty" mapstructure:"sequential_markers" yaml:"sequential_markers,omitempty"`
	FilmStocks        []string `json:"film_stocks,omitempty" mapstructure:"film_stocks" yaml:"film_stocks,omitempty"`
	TimesOfDay        []string `json:"times_of_day,omitempty" mapstructure:"times_of_day" yaml:"times_of_day,omitempty"`
}

// DefaultSequentialMarkers 返回默认的时序标记词。
func DefaultSequentialMarkers() []string {
	return []string{"and then", "followed by", "after that", "afterwards", "then", "before"}
}

// DefaultFilmStocks 返回默认的胶片词汇。
func DefaultFilmStocks() []string {
	return []string{
		"35mm", "16mm", "8mm", "70mm", "super 8", "super 16", "film stock", "film grain",
		"kodak", "kodachrome", "ektachrome", "portra", "fujifilm", "velvia", "cinestill", "technicolor",
	}
}

// DefaultTimesOfDay 返回默认的时段词汇。
func DefaultTimesOfDay() []string {
	return []string{
		"golden hour", "blue hour", "magic hour", "dawn", "dusk", "sunrise", "sunset", "twilight",
		"midday", "noon", "midnight", "morning", "afternoon", "evening", "night", "nighttime", "daybreak",
	}
}

func (o Options) withDefaults() Options {
	if o.AutoCorrect == nil {
		t := true
		o.AutoCorrect = &t
	}
	if o.UnresolvedCameraVerb == "" {
		o.UnresolvedCameraVerb = DispositionReview
	}
	if o.CameraWindow <= 0 {
		o.CameraWindow = 100
	}
	if len(o.SequentialMarkers) == 0 {
		o.SequentialMarkers = DefaultSequentialMarkers()
	}
	if len(o.FilmStocks) == 0 {
		o.FilmStocks = DefaultFilmStocks()
	}
	if len(o.TimesOfDay) == 0 {
		o.TimesOfDay = DefaultTimesOfDay()
	}
	return o
}

// Validate 边界校验。
func (o Options) Validate() error {
	switch o.UnresolvedCameraVerb {
	case "", DispositionReview, DispositionRepair:
	default:
		return fmt.Errorf("%w: critic.unresolved_camera_verb 取值 review|repair，得到 %q", contract.ErrInvalidInput, o.UnresolvedCameraVerb)
	}
	if o.CameraWindow < 0 {
		return fmt.Errorf("%w: critic.camera_window 不能为负", contract.ErrInvalidInput)
	}
	return nil
}

// Issue: 一条审校发现。SpanIndex 指向 Report.Spans。
type Issue struct {
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	SpanIndex   int      `json:"spanIndex"`
	Text        string   `json:"text"`
	Role        string   `json:"role"`
	Suggested   string   `json:"suggested,omitempty"`
	AutoCorrect bool     `json:"autoCorrect"`
	Message     string   `json:"message"`
}

func (i Issue) String() string { return i.Rule + ": " + i.Message }

// Correction: 一次已应用的角色改写。
type Correction struct {
	Rule string `json:"rule"`
	Text string `json:"text"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Report: 审校结论。Spans 为修正后的副本；Errors 非空即未通过。
type Report struct {
	OK          bool
	Spans       []contract.Span
	Errors      []Issue
	Warnings    []Issue
	Corrections []Correction
}

// ErrorStrings 返回可回灌给修复提示词的错误文本。
func (r Report) ErrorStrings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.String())
	}
	return out
}

// Notes 返回告警文本（写入 Meta.Notes）。
func (r Report) Notes() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, "review: "+w.String())
	}
	return out
}

// Critic: 语义审校器；构造后只读，可并发使用。
type Critic struct {
	opts       Options
	cameraVerb *regexp.Regexp
	camera     *regexp.Regexp
	sequential *regexp.Regexp
	filmStock  *regexp.Regexp
	timeOfDay  *regexp.Regexp
	logger     *diag.Logger
}

// New 由机位框架的 camera.movement 词表构造机位动词模式。frames 为 nil 时使用内置框架。
func New(frames *frame.Disambiguator, opts Options, logger *diag.Logger) (*Critic, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if frames == nil {
		d, err := frame.New(frame.DefaultFrames())
		if err != nil {
			return nil, err
		}
		frames = d
	}
	verbs := frames.CameraTerms("camera.movement")
	if len(verbs) == 0 {
		return nil, fmt.Errorf("%w: 机位框架缺少 camera.movement 词条", contract.ErrInvalidInput)
	}
	return &Critic{
		opts:       opts,
		cameraVerb: wordPattern(verbs, true),
		camera:     regexp.MustCompile(`(?i)\bcamera\b`),
		sequential: wordPattern(opts.SequentialMarkers, false),
		filmStock:  wordPattern(opts.FilmStocks, false),
		timeOfDay:  wordPattern(opts.TimesOfDay, false),
		logger:     logger,
	}, nil
}

// Critique 依次评估各规则并按配置应用修正。
// 约束：
//  1. 只改写与问题 (Text, Role) 相同的 Span 的 Role，不增删；
//  2. 修正后再次审校不会产生新的修正；
//  3. one_clip_one_action 在修正之后评估，且永不自动修正。
func (c *Critic) Critique(text string, spans []contract.Span) Report {
	out := make([]contract.Span, len(spans))
	copy(out, spans)
	rep := Report{Spans: out}

	var correctable []Issue
	for _, is := range c.cameraConfusion(text, out) {
		if is.AutoCorrect {
			correctable = append(correctable, is)
			continue
		}
		if c.opts.UnresolvedCameraVerb == DispositionRepair {
			rep.Errors = append(rep.Errors, is)
		} else {
			rep.Warnings = append(rep.Warnings, is)
		}
	}
	correctable = append(correctable, c.taxonomy(out)...)

	for _, is := range correctable {
		if !*c.opts.AutoCorrect {
			rep.Errors = append(rep.Errors, is)
			continue
		}
		if n := relabel(out, is.Text, is.Role, is.Suggested); n > 0 {
			rep.Corrections = append(rep.Corrections, Correction{Rule: is.Rule, Text: is.Text, From: is.Role, To: is.Suggested})
		}
	}
	rep.Errors = append(rep.Errors, c.oneClip(out)...)

	for _, group := range [][]Issue{rep.Errors, rep.Warnings} {
		for _, is := range group {
			diag.CriticIssues.WithLabelValues(is.Rule, string(is.Severity)).Inc()
		}
	}
	if *c.opts.AutoCorrect {
		for _, is := range correctable {
			diag.CriticIssues.WithLabelValues(is.Rule, string(is.Severity)).Inc()
		}
	}
	if len(rep.Corrections) > 0 {
		c.logger.Debug("critic", "auto-corrected", map[string]string{"corrections": fmt.Sprint(len(rep.Corrections))})
	}
	rep.OK = len(rep.Errors) == 0
	return rep
}

func relabel(spans []contract.Span, text, from, to string) int {
	n := 0
	for i := range spans {
		if spans[i].Text == text && spans[i].Role == from {
			spans[i].Role = to
			n++
		}
	}
	return n
}

// cameraConfusion: action 类 Span 的文本命中机位动词。
// 邻域 ±CameraWindow 字节内出现 camera → high 且可修正；否则 medium 不修正。
func (c *Critic) cameraConfusion(text string, spans []contract.Span) []Issue {
	var out []Issue
	for i, s := range spans {
		if s.Category() != "action" || !c.cameraVerb.MatchString(s.Text) {
			continue
		}
		is := Issue{Rule: RuleCameraActionConfusion, SpanIndex: i, Text: s.Text, Role: s.Role}
		if c.cameraNearby(text, s) {
			is.Severity = SeverityHigh
			is.AutoCorrect = true
			is.Suggested = "camera.movement"
			is.Message = fmt.Sprintf("%q 标注为 %s，但邻近出现 camera，应为 camera.movement", s.Text, s.Role)
		} else {
			is.Severity = SeverityMedium
			is.Message = fmt.Sprintf("%q 标注为 %s，含机位动词但缺少 camera 上下文，需复核", s.Text, s.Role)
		}
		out = append(out, is)
	}
	return out
}

func (c *Critic) cameraNearby(text string, s contract.Span) bool {
	lo, hi := max(0, s.Start-c.opts.CameraWindow), min(len(text), s.End+c.opts.CameraWindow)
	if lo >= hi || s.Start < 0 || s.End > len(text) {
		return false
	}
	return c.camera.MatchString(text[lo:hi])
}

// oneClip: 多于一个 action Span 且任一含时序标记。
func (c *Critic) oneClip(spans []contract.Span) []Issue {
	var actions []int
	for i, s := range spans {
		if s.Category() == "action" {
			actions = append(actions, i)
		}
	}
	if len(actions) < 2 {
		return nil
	}
	var out []Issue
	for _, i := range actions {
		s := spans[i]
		m := c.sequential.FindString(s.Text)
		if m == "" {
			continue
		}
		out = append(out, Issue{
			Rule: RuleOneClipOneAction, Severity: SeverityHigh, SpanIndex: i, Text: s.Text, Role: s.Role,
			Message: fmt.Sprintf("%q 含时序标记 %q；单个片段只应描述一个连续动作（共 %d 个动作）", s.Text, m, len(actions)),
		})
	}
	return out
}

// taxonomy: 胶片词汇落在 style.aesthetic、时段词汇落在 lighting.source 时改为更具体的类别。
func (c *Critic) taxonomy(spans []contract.Span) []Issue {
	var out []Issue
	for i, s := range spans {
		var to string
		switch {
		case s.Role == "style.aesthetic" && c.filmStock.MatchString(s.Text):
			to = "style.filmStock"
		case s.Role == "lighting.source" && c.timeOfDay.MatchString(s.Text):
			to = "lighting.timeOfDay"
		default:
			continue
		}
		out = append(out, Issue{
			Rule: RuleTaxonomyMisalignment, Severity: SeverityLow, SpanIndex: i, Text: s.Text, Role: s.Role,
			Suggested: to, AutoCorrect: true,
			Message: fmt.Sprintf("%q 应归入更具体的 %s（当前 %s）", s.Text, to, s.Role),
		})
	}
	return out
}

// wordPattern 把词条编译为大小写不敏感、词边界对齐的交替模式；inflect 时为首词加入常见屈折形式。
func wordPattern(terms []string, inflect bool) *regexp.Regexp {
	seen := make(map[string]bool)
	var alts []string
	for _, t := range terms {
		words := strings.Fields(strings.ToLower(t))
		if len(words) == 0 {
			continue
		}
		heads := []string{words[0]}
		if inflect {
			heads = inflections(words[0])
		}
		rest := ""
		for _, w := range words[1:] {
			rest += `\s+` + regexp.QuoteMeta(w)
		}
		for _, h := range heads {
			alt := regexp.QuoteMeta(h) + rest
			if !seen[alt] {
				seen[alt] = true
				alts = append(alts, alt)
			}
		}
	}
	if len(alts) == 0 {
		return regexp.MustCompile(`$^`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

// inflections: pan → pans/panned/panning；dolly → dollies/dollied；zoom → zooms/zoomed/zooming。
func inflections(w string) []string {
	out := []string{w, w + "s", w + "ed", w + "ing"}
	n := len(w)
	if n < 2 {
		return out
	}
	last := w[n-1]
	switch {
	case last == 'y' && !vowel(w[n-2]):
		stem := w[:n-1]
		out = append(out, stem+"ies", stem+"ied")
	case last == 'e':
		out = append(out, w+"d", w[:n-1]+"ing")
	case last == 's' || last == 'x' || last == 'h':
		out = append(out, w+"es")
	case n >= 3 && !vowel(last) && vowel(w[n-2]) && !vowel(w[n-3]) && last != 'w' && last != 'y':
		out = append(out, w+string(last)+"ed", w+string(last)+"ing")
	}
	return out
}

func vowel(b byte) bool { return strings.IndexByte("aeiou", b) >= 0 }
