package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"spanlabel/internal/config"
	"spanlabel/internal/eval"
	"spanlabel/internal/pipeline"
	"spanlabel/pkg/contract"
)

func (a *app) evalCmd() *cobra.Command {
	var (
		dataset string
		iou     float64
		live    bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score predicted spans against ground truth from a YAML dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataset == "" {
				return fmt.Errorf("%w: --dataset required", config.ErrConfig)
			}
			ctx := cmd.Context()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ds, err := eval.LoadDatasetFile(dataset)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrConfig, err)
			}
			var predict eval.Predictor
			if live {
				if err := config.Validate(cfg); err != nil {
					return err
				}
				rt, err := config.Assemble(ctx, cfg, a.logger)
				if err != nil {
					return a.fail("cli", err)
				}
				defer rt.Close()
				predict = func(ctx context.Context, text string) ([]contract.Span, error) {
					res, err := rt.Labeler.Label(ctx, pipeline.Request{Text: text, Policy: cfg.Policy, CameraHint: cfg.CameraHint})
					if err != nil {
						return nil, err
					}
					return res.Spans, nil
				}
			}
			rep, err := eval.Evaluate(ctx, ds, iou, predict, a.logger)
			if err != nil {
				return a.fail("eval", err)
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "评估数据集 YAML")
	cmd.Flags().Float64Var(&iou, "iou", 0, "匹配阈值 [0,1)；0 表示使用数据集或默认值 0.5")
	cmd.Flags().BoolVar(&live, "run", false, "用当前配置的标注器在线生成预测，而非读取数据集中的 predicted")
	return cmd
}
