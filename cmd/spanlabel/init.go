package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"spanlabel/internal/config"
)

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a default " + defaultConfigFile + " and .env template (never overwrites)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = args[0]
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("%w: init-config: %v", config.ErrConfig, err)
			}
			cfgPath := filepath.Join(dir, defaultConfigFile)
			if err := config.WriteTemplateFile(cfgPath, config.DefaultTemplateConfig()); err != nil {
				return fmt.Errorf("%w: %v", config.ErrConfig, err)
			}
			// .env 模板失败只提示，不影响退出码
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				fmt.Fprintf(a.stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			fmt.Fprintln(a.stdout, cfgPath)
			return nil
		},
	}
}

// writeDotEnv 生成 .env 模板；文件已存在时跳过，不覆盖也不合并。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# spanlabel .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件 > 默认值\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{
		"LLM", "CONCURRENCY", "VERSION", "LOGGING_LEVEL",
		"GENERATE_STRATEGY", "GENERATE_MAX_TOKENS", "GENERATE_TIMEOUT",
		"CRITIC_UNRESOLVED_CAMERA_VERB", "FASTPATH_DISABLED",
		"CACHE_TTL", "CACHE_REDIS_ADDR", "CACHE_REDIS_PASSWORD",
	} {
		fmt.Fprintf(&b, "%s_%s=\n", config.EnvPrefix, k)
	}

	b.WriteString("\n# 常见供应商 API Key（由 provider.options.api_key_env 引用）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GEMINI_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
