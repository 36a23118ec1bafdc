package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"spanlabel/internal/rate"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM（本地/离线调试友好），同时给出 openai/gemini 的全部选项键；
// - 默认输入为 STDIN（"-"），Writer 输出到 ./out 目录。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.Inputs = []string{"-"}
	cfg.LLM = "mock"
	cfg.Provider = map[string]Provider{
		"mock": {
			Client:  "mock",
			Options: map[string]any{"api_key": "", "response_mode": "lexicon"},
			Limits:  rate.Limits{RPM: 600, TPM: 200000, MaxTokensPerReq: 8192},
		},
		"openai": {
			Client: "openai",
			Options: map[string]any{
				"base_url":                "",
				"model":                   "gpt-4o-mini",
				"api_key_env":             "OPENAI_API_KEY",
				"timeout_seconds":         60,
				"extra_headers":           map[string]string{},
				"disable_schema_fallback": false,
			},
			Limits: rate.Limits{RPM: 500, TPM: 200000},
		},
		"gemini": {
			Client: "gemini",
			Options: map[string]any{
				"base_url":           "",
				"model":              "gemini-2.0-flash",
				"api_key_env":        "GEMINI_API_KEY",
				"timeout_seconds":    60,
				"response_mime_type": "application/json",
			},
			Limits: rate.Limits{RPM: 60, TPM: 100000},
		},
	}
	cfg.Options.Writer = map[string]any{"output_dir": "out", "atomic": true}
	cfg.Options.Reader = map[string]any{"exclude_dir_names": []string{".git", "node_modules"}}
	return cfg
}

// WriteTemplate 以 YAML 编码模板配置。
func WriteTemplate(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// WriteTemplateFile 以 O_EXCL 创建文件并写入模板；目标已存在时报错，不覆盖。
func WriteTemplateFile(path string, cfg Config) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("init-config: %w", err)
	}
	if err := WriteTemplate(f, cfg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
