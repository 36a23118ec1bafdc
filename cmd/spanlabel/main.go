// Command spanlabel 为视频生成提示词标注语义片段。
//
// 子命令：label（单条/批量）、eval（数据集评估）、init-config（生成模板）、key（缓存键）。
// 退出码：0 成功；3 配置错误；4 文本无法标注；5 服务不可用；1 其他运行期错误。
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"spanlabel/internal/config"
	"spanlabel/internal/diag"
	"spanlabel/pkg/contract"
)

const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfig      = 3
	exitUnlabelable = 4
	exitUnavailable = 5
)

// defaultConfigFile: 未指定 --config 时若工作目录存在则自动读取。
const defaultConfigFile = "spanlabel.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app: 一次进程运行的共享状态（全局旗标与日志器）。
type app struct {
	configPath string
	logLevel   string
	llm        string

	corrID string
	logger *diag.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{corrID: uuid.NewString(), stdin: stdin, stdout: stdout, stderr: stderr}
	defer func() { _ = a.logger.Close() }()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "spanlabel: %v\n", err)
	return exitCode(err)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "spanlabel",
		Short:         "Label semantic spans in video-generation prompts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）
			if err := config.LoadDotEnv(".env"); err != nil {
				return fmt.Errorf("%w: .env: %v", config.ErrConfig, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "配置文件（YAML/JSON）；缺省读取 ./"+defaultConfigFile+"（若存在）")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	root.PersistentFlags().StringVar(&a.llm, "llm", "", "provider 名称（覆盖配置）")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	})

	root.AddCommand(a.labelCmd(), a.evalCmd(), a.initCmd(), a.keyCmd())
	return root
}

// loadConfig 按 默认值 → 文件 → ENV → CLI 解析配置，并以最终日志级别构造日志器。
func (a *app) loadConfig() (config.Config, error) {
	path := a.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := config.Load(path, nil)
	if err != nil {
		return cfg, err
	}
	if a.llm != "" {
		cfg.LLM = a.llm
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logger == nil {
		a.logger = diag.NewLoggerIn(cfg.Logging.Dir, a.corrID, cfg.Logging.Level)
	}
	return cfg, nil
}

// exitCode 将错误映射为进程退出码。
func exitCode(err error) int {
	if errors.Is(err, config.ErrConfig) {
		return exitConfig
	}
	var le *contract.LabelError
	if errors.As(err, &le) {
		if le.Kind == contract.FailureUnavailable {
			return exitUnavailable
		}
		return exitUnlabelable
	}
	return exitRuntime
}

// fail 记录首个错误（日志 + 计数）后原样返回。
func (a *app) fail(comp string, err error) error {
	code := diag.Classify(err)
	a.logger.ErrorWith(comp, string(code), "first error", nil, "", "")
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	return err
}
