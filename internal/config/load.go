package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"spanlabel/internal/cache"
	"spanlabel/internal/critic"
	"spanlabel/internal/generate"
	"spanlabel/pkg/contract"
)

// EnvPrefix: 环境变量前缀；键中的 "." 映射为 "_"，如 SPANLABEL_GENERATE_MAX_TOKENS。
const EnvPrefix = "SPANLABEL"

// ErrConfig: 配置加载或校验失败。
var ErrConfig = errors.New("config error")

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）；内置 mock provider 便于离线调试。
func Defaults() Config {
	return Config{
		Concurrency: 4,
		Version:     "v1",
		Logging:     Logging{Level: "info", Dir: "logs"},
		Provider: map[string]Provider{
			"mock": {Client: "mock", Options: map[string]any{}},
		},
		Generate: generate.DefaultOptions(),
		Critic:   critic.Options{UnresolvedCameraVerb: critic.DispositionReview},
		Cache:    Cache{Capacity: 1000, TTL: time.Hour, Redis: cache.RedisOptions{}},
		Components: Components{
			Reader:        "fs",
			Splitter:      "paragraph",
			Writer:        "fs",
			PromptBuilder: "label",
			Decoder:       "spanjson",
			Assembler:     "jsonl",
		},
		Options: Options{
			Reader:        map[string]any{},
			Splitter:      map[string]any{},
			Writer:        map[string]any{},
			PromptBuilder: map[string]any{},
			Decoder:       map[string]any{},
			Assembler:     map[string]any{},
		},
	}
}

// optionalKeys: 默认值中被 omitempty 省略的键，需显式绑定环境变量。
var optionalKeys = []string{
	"generate.temperature",
	"critic.auto_correct",
	"critic.camera_window",
	"policy.required",
	"policy.optional",
	"policy.forbidden",
	"policy.max_spans",
	"policy.min_confidence",
	"cache.redis.password",
	"cache.redis.db",
	"cache.redis.key_prefix",
	"cache.redis.scan_count",
}

// Load 按 默认值 → 配置文件（YAML/JSON，可为空）→ 环境变量 的顺序分层解析。
// 约束：
//  1. 未知键在 UnmarshalExact 阶段失败；
//  2. getenv 为空时读取进程环境；否则仅 getenv 可见的变量参与覆盖（测试用）。
func Load(path string, getenv func(string) string) (Config, error) {
	v := viper.New()
	def, err := yaml.Marshal(Defaults())
	if err != nil {
		return Config{}, fmt.Errorf("%w: encode defaults: %v", ErrConfig, err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(def)); err != nil {
		return Config{}, fmt.Errorf("%w: read defaults: %v", ErrConfig, err)
	}
	if path != "" {
		v.SetConfigType(configType(path))
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
	}
	if getenv == nil {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		for _, k := range optionalKeys {
			_ = v.BindEnv(k)
		}
	} else {
		overlayEnv(v, getenv)
	}
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

// overlayEnv: 与 AutomaticEnv 相同的命名规则，但值来自注入的 getenv。
func overlayEnv(v *viper.Viper, getenv func(string) string) {
	keys := append(v.AllKeys(), optionalKeys...)
	for _, k := range keys {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
		if val := getenv(name); val != "" {
			v.Set(k, val)
		}
	}
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// LoadPolicy 从 YAML 文件读取校验策略（未知字段报错）。
func LoadPolicy(path string) (contract.ValidationPolicy, error) {
	var p contract.ValidationPolicy
	f, err := os.Open(path)
	if err != nil {
		return p, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("%w: policy %s: %v", ErrConfig, path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: policy %s: %v", ErrConfig, path, err)
	}
	return p, nil
}

// LoadDotEnv 读取 .env（KEY=VALUE），不覆盖已存在的环境变量；文件不存在时忽略。
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func parseDotEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:eq])
	val = strings.TrimSpace(line[eq+1:])
	if len(val) >= 2 {
		q := val[0]
		if (q == '\'' || q == '"') && val[len(val)-1] == q {
			val = val[1 : len(val)-1]
			if q == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
	}
	return key, val, key != ""
}

// rawOptions 将 Options 子树编码为 JSON，交给工厂严格解析；空树返回 nil。
func rawOptions(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode options: %v", ErrConfig, err)
	}
	return b, nil
}
