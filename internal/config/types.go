package config

import (
	"time"

	"spanlabel/internal/cache"
	"spanlabel/internal/critic"
	"spanlabel/internal/fastpath"
	"spanlabel/internal/generate"
	"spanlabel/internal/rate"
	"spanlabel/pkg/contract"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知键在解析期失败。
type Config struct {
	Inputs      []string `mapstructure:"inputs" yaml:"inputs"`
	Concurrency int      `mapstructure:"concurrency" yaml:"concurrency"`
	// Version: 模板版本，参与缓存键。
	Version    string  `mapstructure:"version" yaml:"version"`
	FailFast   bool    `mapstructure:"fail_fast" yaml:"fail_fast"`
	CameraHint bool    `mapstructure:"camera_hint" yaml:"camera_hint"`
	Logging    Logging `mapstructure:"logging" yaml:"logging"`

	// LLM Provider 选择与定义。
	LLM      string              `mapstructure:"llm" yaml:"llm"`
	Provider map[string]Provider `mapstructure:"provider" yaml:"provider"`

	Generate generate.Options          `mapstructure:"generate" yaml:"generate"`
	Critic   critic.Options            `mapstructure:"critic" yaml:"critic"`
	FastPath fastpath.Options          `mapstructure:"fastpath" yaml:"fastpath"`
	Cache    Cache                     `mapstructure:"cache" yaml:"cache"`
	Policy   contract.ValidationPolicy `mapstructure:"policy" yaml:"policy"`
	// Frames: 外部框架词表 YAML 路径；为空使用内置词表。
	Frames string `mapstructure:"frames" yaml:"frames"`

	// 组件名选择（空则使用默认名）。
	Components Components `mapstructure:"components" yaml:"components"`
	// 各组件 Options 子树，编码为 JSON 后交给工厂严格解析。
	Options Options `mapstructure:"options" yaml:"options"`
}

// Logging: 日志等级与轮转文件目录。
type Logging struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `mapstructure:"reader" yaml:"reader"`
	Splitter      string `mapstructure:"splitter" yaml:"splitter"`
	Writer        string `mapstructure:"writer" yaml:"writer"`
	PromptBuilder string `mapstructure:"prompt_builder" yaml:"prompt_builder"`
	Decoder       string `mapstructure:"decoder" yaml:"decoder"`
	Assembler     string `mapstructure:"assembler" yaml:"assembler"`
}

// Options: 各组件的原样 Options 子树。
type Options struct {
	Reader        map[string]any `mapstructure:"reader" yaml:"reader"`
	Splitter      map[string]any `mapstructure:"splitter" yaml:"splitter"`
	Writer        map[string]any `mapstructure:"writer" yaml:"writer"`
	PromptBuilder map[string]any `mapstructure:"prompt_builder" yaml:"prompt_builder"`
	Decoder       map[string]any `mapstructure:"decoder" yaml:"decoder"`
	Assembler     map[string]any `mapstructure:"assembler" yaml:"assembler"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string         `mapstructure:"client" yaml:"client"`
	Options map[string]any `mapstructure:"options" yaml:"options"`
	Limits  rate.Limits    `mapstructure:"limits" yaml:"limits"`
}

// Cache: 进程内层总是启用（除非 Disabled）；Redis.Addr 非空时追加远端层。
type Cache struct {
	Disabled bool               `mapstructure:"disabled" yaml:"disabled"`
	Capacity int                `mapstructure:"capacity" yaml:"capacity"`
	TTL      time.Duration      `mapstructure:"ttl" yaml:"ttl"`
	Redis    cache.RedisOptions `mapstructure:"redis" yaml:"redis"`
}
