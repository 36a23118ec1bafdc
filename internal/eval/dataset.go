package eval

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"spanlabel/internal/diag"
	"spanlabel/internal/resolve"
	"spanlabel/pkg/contract"
)

// SpanSpec: 数据集中以文本 + 角色描述的 Span；Start 为可选定位提示。
type SpanSpec struct {
	Text  string `yaml:"text"`
	Role  string `yaml:"role"`
	Start *int   `yaml:"start,omitempty"`
}

// Case: 一条评估样本。
type Case struct {
	Name        string     `yaml:"name"`
	Text        string     `yaml:"text"`
	GroundTruth []SpanSpec `yaml:"ground_truth"`
	Predicted   []SpanSpec `yaml:"predicted,omitempty"`
}

// Dataset: YAML 评估集。IoU 为可选的数据集级阈值。
type Dataset struct {
	IoU   float64 `yaml:"iou,omitempty"`
	Cases []Case  `yaml:"cases"`
}

// LoadDataset 解析 YAML（未知字段报错）并做结构校验。
func LoadDataset(r io.Reader) (Dataset, error) {
	var ds Dataset
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ds); err != nil {
		return Dataset{}, fmt.Errorf("%w: eval: 解析数据集失败: %v", contract.ErrInvalidInput, err)
	}
	if err := ds.validate(); err != nil {
		return Dataset{}, err
	}
	return ds, nil
}

// LoadDatasetFile 从文件读取数据集。
func LoadDatasetFile(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset{}, err
	}
	defer f.Close()
	return LoadDataset(f)
}

func (ds Dataset) validate() error {
	if len(ds.Cases) == 0 {
		return fmt.Errorf("%w: eval: 数据集为空", contract.ErrInvalidInput)
	}
	if ds.IoU < 0 || ds.IoU >= 1 {
		return fmt.Errorf("%w: eval: iou 须在 [0,1)", contract.ErrInvalidInput)
	}
	for i, c := range ds.Cases {
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: eval: case %d 缺少 text", contract.ErrInvalidInput, i)
		}
		for _, s := range append(append([]SpanSpec(nil), c.GroundTruth...), c.Predicted...) {
			if s.Text == "" || !contract.ValidRole(s.Role) {
				return fmt.Errorf("%w: eval: case %d 含非法 span %q/%q", contract.ErrInvalidInput, i, s.Text, s.Role)
			}
		}
	}
	return nil
}

// Materialize 通过定位器将 SpanSpec 落地为带偏移的 Span；任一无法定位即报错。
func Materialize(text string, specs []SpanSpec, res *resolve.Resolver) ([]contract.Span, error) {
	out := make([]contract.Span, 0, len(specs))
	for _, s := range specs {
		hint := 0
		if s.Start != nil {
			hint = *s.Start
		}
		m, ok := res.FindBestMatch(text, s.Text, hint)
		if !ok {
			return nil, fmt.Errorf("%w: %q", contract.ErrPositionNotFound, s.Text)
		}
		out = append(out, contract.Span{Start: m.Start, End: m.End, Role: s.Role, Text: text[m.Start:m.End], Confidence: 1})
	}
	return out, nil
}

// Predictor: 在线生成预测（eval --run）；为 nil 时使用数据集自带的 predicted。
type Predictor func(ctx context.Context, text string) ([]contract.Span, error)

// Report: eval 命令输出。
type Report struct {
	IoU     float64      `json:"iou"`
	Mode    string       `json:"mode"`
	Cases   []CaseResult `json:"cases"`
	Summary Summary      `json:"summary"`
}

// Evaluate 逐条评估数据集。单条失败记录在 CaseResult.Error 中，不中止整体；取消时返回 ctx 错误。
// 阈值优先级：参数 iou > 数据集 iou > DefaultIoU。
func Evaluate(ctx context.Context, ds Dataset, iou float64, predict Predictor, logger *diag.Logger) (Report, error) {
	if err := ds.validate(); err != nil {
		return Report{}, err
	}
	switch {
	case iou < 0 || iou >= 1:
		return Report{}, fmt.Errorf("%w: eval: iou 须在 [0,1)", contract.ErrInvalidInput)
	case iou == 0 && ds.IoU > 0:
		iou = ds.IoU
	case iou == 0:
		iou = DefaultIoU
	}
	rep := Report{IoU: iou, Mode: "dataset", Cases: make([]CaseResult, 0, len(ds.Cases))}
	if predict != nil {
		rep.Mode = "run"
	}
	timer := logger.StartWithKV("eval", "evaluate", "", "", map[string]string{"mode": rep.Mode})
	for i, c := range ds.Cases {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("case-%d", i)
		}
		cr, err := evaluateCase(ctx, c, iou, predict, logger)
		if err != nil {
			if ctx.Err() != nil {
				return Report{}, ctx.Err()
			}
			logger.Warn("eval", "case failed", map[string]string{"case": name, "code": string(diag.Classify(err))})
			cr = CaseResult{Name: name, Error: err.Error()}
		}
		cr.Name = name
		rep.Cases = append(rep.Cases, cr)
	}
	rep.Summary = Aggregate(rep.Cases)
	timer.Finish("evaluate", int64(rep.Summary.Cases))
	return rep, nil
}

func evaluateCase(ctx context.Context, c Case, iou float64, predict Predictor, logger *diag.Logger) (CaseResult, error) {
	res := resolve.New(logger)
	gt, err := Materialize(c.Text, c.GroundTruth, res)
	if err != nil {
		return CaseResult{}, fmt.Errorf("ground_truth: %w", err)
	}
	var pred []contract.Span
	if predict != nil {
		pred, err = predict(ctx, c.Text)
	} else {
		pred, err = Materialize(c.Text, c.Predicted, res)
	}
	if err != nil {
		return CaseResult{}, fmt.Errorf("predicted: %w", err)
	}
	return Score(c.Name, pred, gt, iou), nil
}
