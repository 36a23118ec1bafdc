// Package eval 离线评估：以放宽的 IoU 匹配将候选 Span 集与标注真值比对。
// 不在在线请求路径上。
package eval

import (
	"math"
	"sort"

	"spanlabel/pkg/contract"
)

// 混淆矩阵中的合成桶。
const (
	Missed   = "<missed>"
	Spurious = "<spurious>"
)

// DefaultIoU: 默认匹配阈值。
const DefaultIoU = 0.5

// Metrics: 单组比对结果。
type Metrics struct {
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	TruePositives  int     `json:"truePositives"`
	FalsePositives int     `json:"falsePositives"`
	FalseNegatives int     `json:"falseNegatives"`
}

// IoU 返回两个字节区间的交并比；两者均为空区间时仅在完全重合时为 1。
func IoU(a, b contract.Span) float64 {
	inter := overlap(a, b)
	union := a.Len() + b.Len() - inter
	if union <= 0 {
		if a.Start == b.Start && a.End == b.End {
			return 1
		}
		return 0
	}
	return float64(inter) / float64(union)
}

func overlap(a, b contract.Span) int {
	lo, hi := max(a.Start, b.Start), min(a.End, b.End)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// EvaluateSpans 按预测顺序逐个认领真值。
// 约束：
//  1. 匹配需 IoU 严格大于阈值且角色相同；
//  2. 每个真值至多被一个预测认领（首个命中，不重新分配）；
//  3. 双空视为完全一致（1/1/1）。
func EvaluateSpans(pred, gt []contract.Span, iou float64) Metrics {
	if len(pred) == 0 && len(gt) == 0 {
		return Metrics{Precision: 1, Recall: 1, F1: 1}
	}
	claimed := make([]bool, len(gt))
	tp := 0
	for _, p := range pred {
		for j, g := range gt {
			if claimed[j] || p.Role != g.Role || IoU(p, g) <= iou {
				continue
			}
			claimed[j] = true
			tp++
			break
		}
	}
	return scores(tp, len(pred)-tp, len(gt)-tp)
}

func scores(tp, fp, fn int) Metrics {
	m := Metrics{TruePositives: tp, FalsePositives: fp, FalseNegatives: fn}
	if tp+fp == 0 && tp+fn == 0 {
		m.Precision, m.Recall, m.F1 = 1, 1, 1
		return m
	}
	m.Precision = ratio(tp, tp+fp)
	m.Recall = ratio(tp, tp+fn)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// FragmentationRate: 与多于一个同类别预测重叠的真值占比。
func FragmentationRate(pred, gt []contract.Span) float64 {
	if len(gt) == 0 {
		return 0
	}
	frag := 0
	for _, g := range gt {
		n := 0
		for _, p := range pred {
			if p.Category() == g.Category() && overlap(p, g) > 0 {
				n++
			}
		}
		if n > 1 {
			frag++
		}
	}
	return ratio(frag, len(gt))
}

// OverExtractionRate: 与任何真值都无空间重叠的预测占比。
func OverExtractionRate(pred, gt []contract.Span) float64 {
	if len(pred) == 0 {
		return 0
	}
	over := 0
	for _, p := range pred {
		hit := false
		for _, g := range gt {
			if overlap(p, g) > 0 {
				hit = true
				break
			}
		}
		if !hit {
			over++
		}
	}
	return ratio(over, len(pred))
}

// Confusion: 真值角色 → 预测角色 → 计数；未被匹配的真值记入 <missed>，多余预测记入 <spurious> 行。
type Confusion map[string]map[string]int

func (c Confusion) add(gt, pred string, n int) {
	row, ok := c[gt]
	if !ok {
		row = map[string]int{}
		c[gt] = row
	}
	row[pred] += n
}

// Merge 将 o 累加进 c。
func (c Confusion) Merge(o Confusion) {
	for g, row := range o {
		for p, n := range row {
			c.add(g, p, n)
		}
	}
}

// ConfusionMatrix 以空间匹配（不要求角色相同）配对：每个真值按顺序认领首个未被占用、IoU 超过阈值的预测。
func ConfusionMatrix(pred, gt []contract.Span, iou float64) Confusion {
	c := Confusion{}
	used := make([]bool, len(pred))
	for _, g := range gt {
		matched := false
		for i, p := range pred {
			if used[i] || IoU(p, g) <= iou {
				continue
			}
			used[i] = true
			c.add(g.Role, p.Role, 1)
			matched = true
			break
		}
		if !matched {
			c.add(g.Role, Missed, 1)
		}
	}
	for i, p := range pred {
		if !used[i] {
			c.add(Spurious, p.Role, 1)
		}
	}
	return c
}

// Coverage: 类别覆盖情况。
type Coverage struct {
	Expected []string `json:"expected"`
	Covered  []string `json:"covered"`
	Missing  []string `json:"missing"`
	Rate     float64  `json:"rate"`
}

// CategoryCoverage: 真值中出现的类别有多少也出现在预测中（无真值时为 1）。
func CategoryCoverage(pred, gt []contract.Span) Coverage {
	want := categories(gt)
	have := map[string]bool{}
	for _, c := range categories(pred) {
		have[c] = true
	}
	cov := Coverage{Expected: want, Covered: []string{}, Missing: []string{}}
	for _, c := range want {
		if have[c] {
			cov.Covered = append(cov.Covered, c)
		} else {
			cov.Missing = append(cov.Missing, c)
		}
	}
	cov.Rate = 1
	if len(want) > 0 {
		cov.Rate = ratio(len(cov.Covered), len(want))
	}
	return cov
}

func categories(spans []contract.Span) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range spans {
		if c := s.Category(); !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Summary: 数据集级汇总。P/R/F1 为微平均（先累加计数再计算），其余为按条均值。
type Summary struct {
	Cases              int       `json:"cases"`
	Metrics            Metrics   `json:"metrics"`
	FragmentationRate  float64   `json:"fragmentationRate"`
	OverExtractionRate float64   `json:"overExtractionRate"`
	CoverageRate       float64   `json:"coverageRate"`
	Confusion          Confusion `json:"confusion"`
}

// CaseResult: 单条评估结果。
type CaseResult struct {
	Name               string    `json:"name"`
	Metrics            Metrics   `json:"metrics"`
	FragmentationRate  float64   `json:"fragmentationRate"`
	OverExtractionRate float64   `json:"overExtractionRate"`
	Coverage           Coverage  `json:"coverage"`
	Confusion          Confusion `json:"confusion"`
	Error              string    `json:"error,omitempty"`
}

// Score 计算单条的全部指标。
func Score(name string, pred, gt []contract.Span, iou float64) CaseResult {
	return CaseResult{
		Name:               name,
		Metrics:            EvaluateSpans(pred, gt, iou),
		FragmentationRate:  FragmentationRate(pred, gt),
		OverExtractionRate: OverExtractionRate(pred, gt),
		Coverage:           CategoryCoverage(pred, gt),
		Confusion:          ConfusionMatrix(pred, gt, iou),
	}
}

// Aggregate 汇总多条结果；带 Error 的条目不计入。
func Aggregate(cases []CaseResult) Summary {
	s := Summary{Confusion: Confusion{}}
	var tp, fp, fn int
	var frag, over, cov float64
	for _, c := range cases {
		if c.Error != "" {
			continue
		}
		s.Cases++
		tp += c.Metrics.TruePositives
		fp += c.Metrics.FalsePositives
		fn += c.Metrics.FalseNegatives
		frag += c.FragmentationRate
		over += c.OverExtractionRate
		cov += c.Coverage.Rate
		s.Confusion.Merge(c.Confusion)
	}
	if s.Cases == 0 {
		return s
	}
	s.Metrics = scores(tp, fp, fn)
	n := float64(s.Cases)
	s.FragmentationRate = round(frag / n)
	s.OverExtractionRate = round(over / n)
	s.CoverageRate = round(cov / n)
	return s
}

func round(v float64) float64 { return math.Round(v*1e6) / 1e6 }
