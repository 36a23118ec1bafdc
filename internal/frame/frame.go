// Package frame 实现基于语义框架的术语消歧：同一表层动词（pan/dolly/truck/roll/crane）
// 在 Cinematography（机位运动）与 Motion（主体运动）两个框架间按上下文裁决。
package frame

import (
	"fmt"
	"strings"

	"spanlabel/pkg/contract"
)

// Element: 框架元素；MapsTo 为其对应的角色路径。
type Element struct {
	Required bool   `yaml:"required"`
	MapsTo   string `yaml:"maps_to"`
}

// Frame: 静态、一次性加载的框架定义。
type Frame struct {
	Name string `yaml:"name"`
	// LexicalUnits: 类别（角色路径）→ 词条。
	LexicalUnits map[string][]string `yaml:"lexical_units"`
	Elements     map[string]Element  `yaml:"elements"`
	// Ambiguous: 与其他框架共享的词条，仅在上下文给出正向信号时才激活本框架。
	Ambiguous []string `yaml:"ambiguous"`
	// Directions: 可识别的方向词（紧随动词出现即为正向信号）。
	Directions []string `yaml:"directions"`
}

// FrameSet: 注入给 Disambiguator 的框架集合。
type FrameSet struct {
	Cinematography Frame `yaml:"cinematography"`
	Motion         Frame `yaml:"motion"`
}

// Context: 调用方提供的上下文信号。
type Context struct {
	HasCameraKeyword    bool
	DirectionalWord     string
	LikelyCameraContext bool
}

// Tier: 命中强度。
type Tier int

const (
	// TierUnconditional: 仅属于机位框架的词条，无条件命中。
	TierUnconditional Tier = iota
	// TierConditional: 歧义词条，凭上下文信号命中。
	TierConditional
	// TierMotion: 回落到主体运动框架。
	TierMotion
)

// Evocation: 一次消歧结论。
type Evocation struct {
	Frame    string
	Category string
	Lemma    string
	Tier     Tier
}

// Disambiguator: 纯函数式的框架裁决器；构造后只读，可并发使用。
type Disambiguator struct {
	camera     frameIndex
	motion     frameIndex
	ambiguous  map[string]bool
	directions map[string]bool
	maxWords   int
}

type frameIndex struct {
	name     string
	terms    map[string]string // 归一词条 → 类别
	elements map[string]Element
	byCat    map[string][]string
}

// New 校验并索引框架集合。
// 约束：
//  1. 两个框架必须具名且至少有一个词条；
//  2. 类别与元素映射必须是合法角色路径；
//  3. 同一框架内一个词条只能属于一个类别；
//  4. Ambiguous 中的词条必须存在于 Cinematography 词表。
func New(fs FrameSet) (*Disambiguator, error) {
	cam, err := indexFrame(fs.Cinematography)
	if err != nil {
		return nil, err
	}
	mot, err := indexFrame(fs.Motion)
	if err != nil {
		return nil, err
	}
	d := &Disambiguator{
		camera:     cam,
		motion:     mot,
		ambiguous:  make(map[string]bool),
		directions: make(map[string]bool),
	}
	for _, a := range fs.Cinematography.Ambiguous {
		k := normalizeTerm(a)
		if _, ok := cam.terms[k]; !ok {
			return nil, fmt.Errorf("frame %s: 歧义词 %q 不在词表中", cam.name, a)
		}
		d.ambiguous[k] = true
	}
	for _, w := range fs.Cinematography.Directions {
		d.directions[normalizeTerm(w)] = true
	}
	for _, idx := range []frameIndex{cam, mot} {
		for t := range idx.terms {
			if n := len(strings.Fields(t)); n > d.maxWords {
				d.maxWords = n
			}
		}
	}
	return d, nil
}

func indexFrame(f Frame) (frameIndex, error) {
	if strings.TrimSpace(f.Name) == "" {
		return frameIndex{}, fmt.Errorf("frame: 缺少 name")
	}
	idx := frameIndex{name: f.Name, terms: make(map[string]string), elements: f.Elements, byCat: make(map[string][]string)}
	for cat, terms := range f.LexicalUnits {
		if !contract.ValidRole(cat) {
			return frameIndex{}, fmt.Errorf("frame %s: 非法类别 %q", f.Name, cat)
		}
		for _, t := range terms {
			k := normalizeTerm(t)
			if k == "" {
				continue
			}
			if prev, dup := idx.terms[k]; dup && prev != cat {
				return frameIndex{}, fmt.Errorf("frame %s: 词条 %q 同时属于 %s 与 %s", f.Name, t, prev, cat)
			}
			idx.terms[k] = cat
			idx.byCat[cat] = append(idx.byCat[cat], k)
		}
	}
	if len(idx.terms) == 0 {
		return frameIndex{}, fmt.Errorf("frame %s: 词表为空", f.Name)
	}
	for name, el := range f.Elements {
		if !contract.ValidRole(el.MapsTo) {
			return frameIndex{}, fmt.Errorf("frame %s: 元素 %s 映射到非法角色 %q", f.Name, name, el.MapsTo)
		}
	}
	return idx, nil
}

// EvokesFrame 判定术语是否激活 Cinematography 框架。
// 规则：仅属机位的词条无条件返回类别；歧义词条需任一正向信号
// （附近出现 camera、紧随方向词、调用方提示）；否则返回 false，调用方可再尝试 Motion。
func (d *Disambiguator) EvokesFrame(term string, ctx Context) (string, bool) {
	ev, ok := d.evokeCamera(term, ctx)
	if !ok {
		return "", false
	}
	return ev.Category, true
}

func (d *Disambiguator) evokeCamera(term string, ctx Context) (Evocation, bool) {
	lemma, cat, ok := d.camera.lookup(term)
	if !ok {
		return Evocation{}, false
	}
	if !d.ambiguous[lemma] {
		return Evocation{Frame: d.camera.name, Category: cat, Lemma: lemma, Tier: TierUnconditional}, true
	}
	if ctx.HasCameraKeyword || ctx.LikelyCameraContext || d.IsDirection(ctx.DirectionalWord) {
		return Evocation{Frame: d.camera.name, Category: cat, Lemma: lemma, Tier: TierConditional}, true
	}
	return Evocation{}, false
}

// MotionCategory 在 Motion 框架中无条件查找术语。
func (d *Disambiguator) MotionCategory(term string) (string, bool) {
	_, cat, ok := d.motion.lookup(term)
	return cat, ok
}

// Disambiguate 先尝试机位框架，失败再回落主体运动框架。
func (d *Disambiguator) Disambiguate(term string, ctx Context) (Evocation, bool) {
	if ev, ok := d.evokeCamera(term, ctx); ok {
		return ev, true
	}
	lemma, cat, ok := d.motion.lookup(term)
	if !ok {
		return Evocation{}, false
	}
	return Evocation{Frame: d.motion.name, Category: cat, Lemma: lemma, Tier: TierMotion}, true
}

// IsDirection 报告是否为已知方向词。
func (d *Disambiguator) IsDirection(word string) bool {
	w := normalizeTerm(word)
	return w != "" && d.directions[w]
}

// IsAmbiguous 报告术语（含屈折变化）是否为跨框架歧义词。
func (d *Disambiguator) IsAmbiguous(term string) bool {
	lemma, _, ok := d.camera.lookup(term)
	return ok && d.ambiguous[lemma]
}

// CameraTerms 返回机位框架中某类别的全部词条（构造审校规则使用）。
func (d *Disambiguator) CameraTerms(category string) []string {
	out := make([]string, len(d.camera.byCat[category]))
	copy(out, d.camera.byCat[category])
	return out
}

// ElementRole 返回框架元素映射的角色。
func (d *Disambiguator) ElementRole(frameName, element string) (string, bool) {
	for _, idx := range []frameIndex{d.camera, d.motion} {
		if idx.name != frameName {
			continue
		}
		el, ok := idx.elements[element]
		return el.MapsTo, ok
	}
	return "", false
}

// MaxPhraseWords 返回最长词条的词数（n-gram 扫描上界）。
func (d *Disambiguator) MaxPhraseWords() int { return d.maxWords }

func (fi frameIndex) lookup(term string) (lemma, category string, ok bool) {
	for _, cand := range lemmaCandidates(normalizeTerm(term)) {
		if cat, hit := fi.terms[cand]; hit {
			return cand, cat, true
		}
	}
	return "", "", false
}

func normalizeTerm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
