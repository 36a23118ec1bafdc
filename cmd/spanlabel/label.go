package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"spanlabel/internal/batch"
	"spanlabel/internal/config"
	"spanlabel/internal/diag"
	"spanlabel/internal/pipeline"
)

type labelFlags struct {
	inputs      []string
	out         string
	policy      string
	cameraHint  bool
	metricsOut  string
	concurrency int
	failFast    bool
	status      bool
}

func (a *app) labelCmd() *cobra.Command {
	var f labelFlags
	cmd := &cobra.Command{
		Use:   "label [text]",
		Short: "Label one prompt (argument or stdin) or a batch of files (--in)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if f.policy != "" {
				p, err := config.LoadPolicy(f.policy)
				if err != nil {
					return err
				}
				cfg.Policy = p
			}
			if f.cameraHint {
				cfg.CameraHint = true
			}
			if f.concurrency > 0 {
				cfg.Concurrency = f.concurrency
			}
			if f.failFast {
				cfg.FailFast = true
			}
			if f.metricsOut != "" {
				defer func() {
					if err := writeMetricsFile(f.metricsOut); err != nil {
						a.logger.Warn("cli", "metrics dump failed", map[string]string{"path": f.metricsOut, "err": err.Error()})
					}
				}()
			}
			if len(f.inputs) > 0 {
				if len(args) > 0 {
					return fmt.Errorf("%w: text argument cannot be combined with --in", config.ErrConfig)
				}
				return a.labelBatch(ctx, cfg, f)
			}
			text, err := a.readText(args)
			if err != nil {
				return err
			}
			return a.labelOne(ctx, cfg, text)
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&f.inputs, "in", nil, "批量输入：文件/目录（可重复；\"-\" 表示 STDIN）")
	fl.StringVar(&f.out, "out", "", "批量输出目录（覆盖 options.writer.output_dir）")
	fl.StringVar(&f.policy, "policy", "", "校验策略 YAML 文件")
	fl.BoolVar(&f.cameraHint, "camera-hint", false, "提示文本包含机位运动描述")
	fl.StringVar(&f.metricsOut, "metrics-out", "", "结束时以 Prometheus 文本格式写出指标")
	fl.IntVar(&f.concurrency, "concurrency", 0, "批量并发度（覆盖配置）")
	fl.BoolVar(&f.failFast, "fail-fast", false, "任一记录失败即终止批量运行")
	fl.BoolVar(&f.status, "status", true, "批量运行时在 stderr 输出进度")
	return cmd
}

// readText: 位置参数优先；缺省或 "-" 时读取 STDIN。
func (a *app) readText(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(a.stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func (a *app) labelOne(ctx context.Context, cfg config.Config, text string) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	rt, err := config.Assemble(ctx, cfg, a.logger)
	if err != nil {
		return a.fail("cli", err)
	}
	defer rt.Close()

	res, err := rt.Labeler.Label(ctx, pipeline.Request{
		Text: text, Policy: cfg.Policy, CameraHint: cfg.CameraHint, RequestID: uuid.NewString(),
	})
	if err != nil {
		return a.fail("cli", err)
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func (a *app) labelBatch(ctx context.Context, cfg config.Config, f labelFlags) error {
	start := time.Now()
	cfg.Inputs = f.inputs
	if f.out != "" {
		w := make(map[string]any, len(cfg.Options.Writer)+1)
		for k, v := range cfg.Options.Writer {
			w[k] = v
		}
		w["output_dir"] = f.out
		cfg.Options.Writer = w
	}
	if err := config.ValidateBatch(cfg); err != nil {
		return err
	}
	if err := preflightOutputDir(cfg); err != nil {
		return fmt.Errorf("%w: output dir: %v", config.ErrConfig, err)
	}
	rt, err := config.Assemble(ctx, cfg, a.logger)
	if err != nil {
		return a.fail("cli", err)
	}
	defer rt.Close()
	comp, set, err := config.AssembleBatch(cfg, rt.Labeler)
	if err != nil {
		return a.fail("cli", err)
	}

	progress := diag.NewProgress(a.stderr, f.status)
	progress.RunStart(set.Concurrency, cfg.LLM)
	a.logger.DebugStart("config", "effective", "", "", map[string]string{
		"inputs_count": fmt.Sprint(len(set.Inputs)),
		"concurrency":  fmt.Sprint(set.Concurrency),
		"llm":          cfg.LLM,
		"client":       cfg.Provider[cfg.LLM].Client,
		"splitter":     cfg.Components.Splitter,
		"writer":       cfg.Components.Writer,
	})

	st, err := batch.Run(ctx, comp, set, a.logger, progress)
	if err != nil {
		return a.fail("batch", err)
	}
	diag.IncOp("batch", "finish", "success")
	diag.ObserveDuration("batch", "finish", time.Since(start).Milliseconds())
	enc := json.NewEncoder(a.stdout)
	return enc.Encode(st)
}

// preflightOutputDir: fs writer 启动前检查输出目录可写性。
// 规则：
//   - 目录已存在：尝试创建并删除临时文件；
//   - 目录不存在：检查父目录可写（尝试创建并删除临时目录）。
//
// 其他 writer 跳过。
func preflightOutputDir(cfg config.Config) error {
	name := cfg.Components.Writer
	if name == "" {
		name = config.Defaults().Components.Writer
	}
	if name != "fs" {
		return nil
	}
	dir, _ := cfg.Options.Writer["output_dir"].(string)
	dir = strings.TrimSpace(dir)
	if dir == "" {
		// 交由装配阶段按实现报错
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		probe := f.Name()
		_ = f.Close()
		return os.Remove(probe)
	case err == nil:
		return fmt.Errorf("not a directory: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("parent is not a directory: %s", parent)
	}
	tmp, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmp)
}

func writeMetricsFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := diag.WriteMetrics(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
