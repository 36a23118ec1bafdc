package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"spanlabel/internal/batch"
	"spanlabel/internal/cache"
	"spanlabel/internal/critic"
	"spanlabel/internal/diag"
	"spanlabel/internal/fastpath"
	"spanlabel/internal/frame"
	"spanlabel/internal/generate"
	"spanlabel/internal/pipeline"
	"spanlabel/internal/rate"
	"spanlabel/pkg/registry"
)

// Validate 对单条标注所需的配置做静态校验（范围与引用）。
func Validate(cfg Config) error {
	if cfg.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrConfig)
	}
	if cfg.LLM == "" {
		return fmt.Errorf("%w: llm not set", ErrConfig)
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("%w: provider %q not found", ErrConfig, cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("%w: provider %q missing client", ErrConfig, cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("%w: llm client %q not registered", ErrConfig, prov.Client)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return fmt.Errorf("%w: provider %q limits must be >= 0", ErrConfig, cfg.LLM)
	}
	if mt := cfg.Generate.MaxTokens; prov.Limits.MaxTokensPerReq > 0 && mt > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("%w: generate.max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", ErrConfig, mt, prov.Limits.MaxTokensPerReq)
	}
	if name := effName(cfg.Components.PromptBuilder, Defaults().Components.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("%w: prompt_builder %q not registered", ErrConfig, name)
	}
	if name := effName(cfg.Components.Decoder, Defaults().Components.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("%w: decoder %q not registered", ErrConfig, name)
	}
	if cfg.Cache.Capacity < 0 || cfg.Cache.TTL < 0 {
		return fmt.Errorf("%w: cache capacity/ttl must be >= 0", ErrConfig)
	}
	for _, check := range []func() error{
		cfg.Generate.Validate, cfg.Critic.Validate, cfg.FastPath.Validate, cfg.Policy.Validate,
	} {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	return nil
}

// ValidateBatch 在 Validate 之上校验批处理所需的输入与 I/O 组件。
func ValidateBatch(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("%w: inputs empty", ErrConfig)
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return fmt.Errorf("%w: input path cannot be empty", ErrConfig)
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return fmt.Errorf("%w: '-' cannot be mixed with other roots", ErrConfig)
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("%w: reader %q not registered", ErrConfig, name)
	}
	if name := effName(cfg.Components.Splitter, d.Splitter); registry.Splitter[name] == nil {
		return fmt.Errorf("%w: splitter %q not registered", ErrConfig, name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return fmt.Errorf("%w: assembler %q not registered", ErrConfig, name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("%w: writer %q not registered", ErrConfig, name)
	}
	return nil
}

// Runtime: 装配完成的标注运行时；Close 释放远端缓存连接。
type Runtime struct {
	Labeler *pipeline.Labeler
	Cache   *cache.Cache
	Gate    rate.Gate
	GateKey rate.LimitKey

	redis *cache.RedisTier
}

// Close 幂等释放外部连接。
func (r *Runtime) Close() error {
	if r == nil || r.redis == nil {
		return nil
	}
	err := r.redis.Close()
	r.redis = nil
	return err
}

// Assemble 构造 Labeler 及其协作者（生成客户端、限流 Gate、审校、快速路径、缓存）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传编码后的 JSON。
func Assemble(ctx context.Context, cfg Config, logger *diag.Logger) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	d := Defaults().Components
	pbRaw, err := rawOptions(cfg.Options.PromptBuilder)
	if err != nil {
		return nil, err
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](pbRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: prompt_builder: %v", ErrConfig, err)
	}
	decRaw, err := rawOptions(cfg.Options.Decoder)
	if err != nil {
		return nil, err
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](decRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: decoder: %v", ErrConfig, err)
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	provRaw, err := rawOptions(prov.Options)
	if err != nil {
		return nil, err
	}
	llm, err := registry.LLMClient[prov.Client](provRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s: %v", ErrConfig, cfg.LLM, err)
	}

	// 限流 Gate：分组键从 options 中派生 API Key；失败则退化为 provider 名称。
	key, kerr := rate.KeyFor(prov.Client, provRaw, os.Getenv)
	if kerr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{key: prov.Limits}, nil)

	gen, err := generate.New(generate.Deps{
		LLM: llm, Prompt: pb, Decoder: dec, Gate: gate, GateKey: key, Provider: cfg.LLM,
	}, cfg.Generate, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	frames, err := frame.LoadFile(cfg.Frames)
	if err != nil {
		return nil, fmt.Errorf("%w: frames: %v", ErrConfig, err)
	}
	cr, err := critic.New(frames, cfg.Critic, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	comp := pipeline.Components{Generator: gen, Critic: cr}
	if !cfg.FastPath.Disabled {
		fo := cfg.FastPath
		if fo.Version == "" {
			fo.Version = cfg.Version
		}
		comp.FastPath = fastpath.New(frames, fastpath.DefaultDictionary(), nil, fo, logger)
	}

	rt := &Runtime{Gate: gate, GateKey: key}
	if !cfg.Cache.Disabled {
		var remote cache.Remote
		if cfg.Cache.Redis.Addr != "" {
			tier, err := cache.NewRedisTier(ctx, cfg.Cache.Redis)
			if err != nil {
				return nil, err
			}
			rt.redis = tier
			remote = tier
		}
		c, err := cache.New(cache.Options{Capacity: cfg.Cache.Capacity, TTL: cfg.Cache.TTL}, remote, logger)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		rt.Cache = c
		comp.Cache = c
	}

	lab, err := pipeline.New(comp, pipeline.Settings{Version: cfg.Version, CacheTTL: cfg.Cache.TTL}, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Labeler = lab
	return rt, nil
}

// AssembleBatch 构造批处理 I/O 组件与运行参数；lab 通常为 Runtime.Labeler。
func AssembleBatch(cfg Config, lab batch.Labeler) (batch.Components, batch.Settings, error) {
	if err := ValidateBatch(cfg); err != nil {
		return batch.Components{}, batch.Settings{}, err
	}
	if lab == nil {
		return batch.Components{}, batch.Settings{}, errors.New("config: labeler required")
	}
	d := Defaults().Components
	var comp batch.Components
	comp.Labeler = lab

	raw, err := rawOptions(cfg.Options.Reader)
	if err != nil {
		return batch.Components{}, batch.Settings{}, err
	}
	if comp.Reader, err = registry.Reader[effName(cfg.Components.Reader, d.Reader)](raw); err != nil {
		return batch.Components{}, batch.Settings{}, fmt.Errorf("%w: reader: %v", ErrConfig, err)
	}
	if raw, err = rawOptions(cfg.Options.Splitter); err != nil {
		return batch.Components{}, batch.Settings{}, err
	}
	if comp.Splitter, err = registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)](raw); err != nil {
		return batch.Components{}, batch.Settings{}, fmt.Errorf("%w: splitter: %v", ErrConfig, err)
	}
	if raw, err = rawOptions(cfg.Options.Assembler); err != nil {
		return batch.Components{}, batch.Settings{}, err
	}
	if comp.Assembler, err = registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)](raw); err != nil {
		return batch.Components{}, batch.Settings{}, fmt.Errorf("%w: assembler: %v", ErrConfig, err)
	}
	if raw, err = rawOptions(cfg.Options.Writer); err != nil {
		return batch.Components{}, batch.Settings{}, err
	}
	if comp.Writer, err = registry.Writer[effName(cfg.Components.Writer, d.Writer)](raw); err != nil {
		return batch.Components{}, batch.Settings{}, fmt.Errorf("%w: writer: %v", ErrConfig, err)
	}

	set := batch.Settings{
		Inputs:      append([]string(nil), cfg.Inputs...),
		Concurrency: cfg.Concurrency,
		Policy:      cfg.Policy,
		CameraHint:  cfg.CameraHint,
		FailFast:    cfg.FailFast,
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
