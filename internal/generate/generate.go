// Package generate 负责与外部生成服务交互：单段/两段式策略、流式消费、错误归类，
// 以及把模型声明的片段经定位器落回源文本。
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spanlabel/internal/diag"
	"spanlabel/internal/prompt"
	"spanlabel/internal/rate"
	"spanlabel/pkg/contract"
)

// Strategy: 生成策略。
type Strategy string

const (
	StrategySingle  Strategy = "single"
	StrategyTwoPass Strategy = "two_pass"
	StrategyAuto    Strategy = "auto"
)

// Options: 生成参数。
// 约束：
//  1. MaxTokens 为单次请求的总预算（提示固定开销 + 输出），预扣开销后必须仍为正；
//  2. ReasoningShare ∈ (0,1)，两段式时推理段所占输出预算比例；
//  3. auto 策略在 schema 节点数超过 TwoPassThreshold 时使用两段式。
type Options struct {
	Strategy         Strategy      `json:"strategy" mapstructure:"strategy" yaml:"strategy"`
	MaxTokens        int           `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature      *float64      `json:"temperature,omitempty" mapstructure:"temperature" yaml:"temperature,omitempty"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
	Stream           bool          `json:"stream" mapstructure:"stream" yaml:"stream"`
	ReasoningShare   float64       `json:"reasoning_share" mapstructure:"reasoning_share" yaml:"reasoning_share"`
	TwoPassThreshold int           `json:"two_pass_threshold" mapstructure:"two_pass_threshold" yaml:"two_pass_threshold"`
	BytesPerToken    int           `json:"bytes_per_token" mapstructure:"bytes_per_token" yaml:"bytes_per_token"`
}

// DefaultOptions 返回默认生成参数。
func DefaultOptions() Options {
	return Options{
		Strategy:         StrategyAuto,
		MaxTokens:        4096,
		Timeout:          60 * time.Second,
		ReasoningShare:   0.6,
		TwoPassThreshold: 40,
		BytesPerToken:    4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Strategy == "" {
		o.Strategy = d.Strategy
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	if o.ReasoningShare == 0 {
		o.ReasoningShare = d.ReasoningShare
	}
	if o.TwoPassThreshold == 0 {
		o.TwoPassThreshold = d.TwoPassThreshold
	}
	if o.BytesPerToken == 0 {
		o.BytesPerToken = d.BytesPerToken
	}
	return o
}

// Validate 校验补齐默认值后的参数。
func (o Options) Validate() error {
	o = o.withDefaults()
	switch o.Strategy {
	case StrategySingle, StrategyTwoPass, StrategyAuto:
	default:
		return fmt.Errorf("generate: %w: unknown strategy %q", contract.ErrInvalidInput, o.Strategy)
	}
	if o.MaxTokens < 0 || o.Timeout < 0 || o.BytesPerToken < 0 || o.TwoPassThreshold < 0 {
		return fmt.Errorf("generate: %w: negative limits", contract.ErrInvalidInput)
	}
	if o.ReasoningShare <= 0 || o.ReasoningShare >= 1 {
		return fmt.Errorf("generate: %w: reasoning_share %v not in (0,1)", contract.ErrInvalidInput, o.ReasoningShare)
	}
	if t := o.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("generate: %w: temperature %v not in [0,2]", contract.ErrInvalidInput, *t)
	}
	return nil
}

// Deps: 生成客户端的协作者。Gate 为空时不限流。
type Deps struct {
	LLM      contract.LLMClient
	Prompt   contract.PromptBuilder
	Decoder  contract.Decoder
	Gate     rate.Gate
	GateKey  rate.LimitKey
	Provider string
}

// Client: 生成客户端；并发安全（自身无可变状态）。
type Client struct {
	llm      contract.LLMClient
	pb       contract.PromptBuilder
	dec      contract.Decoder
	gate     rate.Gate
	key      rate.LimitKey
	provider string
	opts     Options
	est      contract.TokenEstimator
	outMax   int
	logger   *diag.Logger
}

// New 构造生成客户端。
func New(d Deps, opts Options, logger *diag.Logger) (*Client, error) {
	if d.LLM == nil || d.Prompt == nil || d.Decoder == nil {
		return nil, fmt.Errorf("generate: %w: llm/prompt/decoder required", contract.ErrInvalidInput)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	eff, overhead := prompt.EffectiveMaxTokens(d.Prompt, opts.BytesPerToken, opts.MaxTokens)
	if eff <= 0 {
		return nil, fmt.Errorf("generate: %w: max_tokens %d does not cover prompt overhead %d", contract.ErrInvalidInput, opts.MaxTokens, overhead)
	}
	g := d.Gate
	if g == nil {
		g = rate.Unlimited()
	}
	prov := d.Provider
	if prov == "" {
		prov = "unknown"
	}
	return &Client{
		llm: d.LLM, pb: d.Prompt, dec: d.Decoder, gate: g, key: d.GateKey, provider: prov,
		opts: opts, est: prompt.MakeEstimator(opts.BytesPerToken), outMax: eff, logger: logger,
	}, nil
}

// Provider 返回提供方名称（参与缓存键）。
func (c *Client) Provider() string { return c.provider }

// Attempt: 一次生成（含两段式的两次调用）的产物。
type Attempt struct {
	Raw      string
	Decoded  contract.Decoded
	Analysis string
	Metadata contract.Metadata
	Calls    int
}

func (c *Client) caps() (structured, developer bool) {
	if cp, ok := c.llm.(contract.Capabilities); ok {
		return cp.StructuredOutput(), cp.DeveloperChannel()
	}
	return false, false
}

// StrategyFor 解析 auto：schema 节点数超过阈值时选两段式。
func (c *Client) StrategyFor() Strategy {
	if c.opts.Strategy != StrategyAuto {
		return c.opts.Strategy
	}
	if ss, ok := c.pb.(contract.SchemaSource); ok && SchemaComplexity(ss.ResponseSchema()) > c.opts.TwoPassThreshold {
		return StrategyTwoPass
	}
	return StrategySingle
}

// Generate 按策略生成并解码。解析失败返回包裹 ErrSchemaInvalid 的错误，Attempt.Raw 仍可用于修复。
func (c *Client) Generate(ctx context.Context, text string, policy contract.ValidationPolicy) (Attempt, error) {
	structured, developer := c.caps()
	task := contract.Task{Phase: contract.PhaseLabel, Text: text, Policy: policy, Structured: structured, Developer: developer}
	if c.StrategyFor() == StrategySingle {
		return c.run(ctx, task, c.outMax, Attempt{})
	}

	reasonMax, structMax := prompt.SplitBudget(c.outMax, c.opts.ReasoningShare)
	task.Phase = contract.PhaseReason
	req, err := c.pb.Build(ctx, task)
	if err != nil {
		return Attempt{}, fmt.Errorf("prompt build(reason): %w", err)
	}
	req.MaxTokens = reasonMax
	comp, err := c.CallModel(ctx, req)
	if err != nil {
		return Attempt{Calls: 1}, err
	}
	analysis := strings.TrimSpace(comp.Text)
	if analysis == "" {
		return Attempt{Calls: 1}, fmt.Errorf("generate: empty reasoning pass: %w", contract.ErrSchemaInvalid)
	}
	task.Phase = contract.PhaseStructure
	task.Analysis = analysis
	att, err := c.run(ctx, task, structMax, Attempt{Calls: 1, Analysis: analysis})
	if att.Decoded.AnalysisTrace == "" {
		att.Decoded.AnalysisTrace = analysis
	}
	return att, err
}

// Repair 携带原始回复与校验错误重新生成一次。
func (c *Client) Repair(ctx context.Context, text string, policy contract.ValidationPolicy, original string, errs []string) (Attempt, error) {
	structured, developer := c.caps()
	task := contract.Task{
		Phase: contract.PhaseRepair, Text: text, Policy: policy,
		Original: original, Errors: errs, Structured: structured, Developer: developer,
	}
	return c.run(ctx, task, c.outMax, Attempt{})
}

func (c *Client) run(ctx context.Context, task contract.Task, maxTokens int, att Attempt) (Attempt, error) {
	req, err := c.pb.Build(ctx, task)
	if err != nil {
		return att, fmt.Errorf("prompt build(%s): %w", task.Phase, err)
	}
	req.MaxTokens = maxTokens
	comp, err := c.CallModel(ctx, req)
	att.Calls++
	if err != nil {
		return att, err
	}
	att.Raw = comp.Text
	att.Metadata = comp.Metadata
	dec, err := c.dec.Decode(ctx, comp.Text)
	if err != nil {
		c.logger.ErrorWith("decoder", string(diag.Classify(err)), "decode failed", nil, "", strconv.Itoa(att.Calls))
		diag.IncError("decoder", string(diag.Classify(err)))
		return att, fmt.Errorf("decode: %w", err)
	}
	if att.Analysis != "" && dec.AnalysisTrace == "" {
		dec.AnalysisTrace = att.Analysis
	}
	att.Decoded = dec
	return att, nil
}

// CallModel 执行单次调用。
// 约束：
//  1. 先经限流闸门放行；
//  2. 在单次超时内完成；流式时经 RawStream 拉取，任何退出路径都会 Close；
//  3. 失败统一为 *contract.GenerationError；父 ctx 取消原样返回。
func (c *Client) CallModel(ctx context.Context, req contract.Request) (contract.Completion, error) {
	if req.Temperature == nil {
		req.Temperature = c.opts.Temperature
	}
	tokens := c.est(req.System) + c.est(req.Developer) + max(req.MaxTokens, 0)
	for _, m := range req.Messages {
		tokens += c.est(m.Content)
	}
	if err := c.gate.Wait(ctx, rate.Ask{Key: c.key, Requests: 1, Tokens: tokens}); err != nil {
		if ctx.Err() != nil {
			return contract.Completion{}, ctx.Err()
		}
		return contract.Completion{}, &contract.GenerationError{Kind: contract.KindInvalidRequest, Provider: c.provider, Message: "rate gate rejected request", Err: err}
	}

	streamer, canStream := c.llm.(contract.LLMStreamer)
	req.Stream = req.Stream || (c.opts.Stream && canStream)
	kv := map[string]string{"tokens": strconv.Itoa(tokens), "stream": strconv.FormatBool(req.Stream)}
	timer := c.logger.StartWithKV("llm_client", "invoke", "", "", kv)
	diag.IncOp("llm_client", "start", "ok")

	cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	var (
		comp contract.Completion
		err  error
	)
	if req.Stream && canStream {
		comp, err = c.consume(cctx, streamer, req)
	} else {
		comp, err = c.llm.Complete(cctx, req)
	}
	if err != nil {
		err = c.normalize(ctx, err)
		code := diag.Classify(err)
		var ue contract.UpstreamError
		if errors.As(err, &ue) && ue.UpstreamStatus() > 0 {
			msg := strings.TrimSpace(ue.UpstreamMessage())
			if len(msg) > 200 {
				msg = msg[:200]
			}
			c.logger.ErrorWithKV("llm_client", string(code), "invoke failed", nil, "", "", map[string]string{
				"http_status": strconv.Itoa(ue.UpstreamStatus()), "upstream_msg": msg,
			})
		} else {
			c.logger.ErrorWith("llm_client", string(code), "invoke failed", nil, "", "")
		}
		diag.IncOp("llm_client", "finish", "error")
		diag.IncError("llm_client", string(code))
		return contract.Completion{}, err
	}
	if comp.Metadata.Provider == "" {
		comp.Metadata.Provider = c.provider
	}
	timer.Finish("invoke", int64(comp.Metadata.CompletionTokens))
	diag.IncOp("llm_client", "finish", "ok")
	return comp, nil
}

func (c *Client) consume(ctx context.Context, s contract.LLMStreamer, req contract.Request) (contract.Completion, error) {
	rs, err := s.Stream(ctx, req)
	if err != nil {
		return contract.Completion{}, err
	}
	defer rs.Close()
	var b strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return contract.Completion{}, err
		}
		chunk, done, err := rs.Next()
		if err != nil {
			return contract.Completion{}, err
		}
		if done {
			break
		}
		b.WriteString(chunk)
	}
	return contract.Completion{
		Text: b.String(),
		Metadata: contract.Metadata{
			Provider:         c.provider,
			CompletionTokens: c.est(b.String()),
			Streamed:         true,
		},
	}, nil
}

// normalize: 单次超时 → timeout；父 ctx 取消/到期原样返回；哨兵错误补齐为 GenerationError；解析类错误保持原样。
func (c *Client) normalize(parent context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	var ge *contract.GenerationError
	if errors.As(err, &ge) {
		return err
	}
	var kind contract.GenerationKind
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, contract.ErrTimeout):
		kind = contract.KindTimeout
	case errors.Is(err, contract.ErrSchemaInvalid), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, contract.ErrRateLimited):
		kind = contract.KindRateLimited
	case errors.Is(err, contract.ErrAuthentication):
		kind = contract.KindAuthentication
	case errors.Is(err, contract.ErrServer):
		kind = contract.KindServer
	case errors.Is(err, contract.ErrInvalidInput):
		kind = contract.KindInvalidRequest
	default:
		kind = contract.KindNetwork
	}
	return &contract.GenerationError{Kind: kind, Provider: c.provider, Err: err}
}

// SchemaComplexity 统计 JSON Schema 的节点数（对象与数组各计 1）；非法 JSON 返回 0。
func SchemaComplexity(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return countNodes(v)
}

func countNodes(v any) int {
	switch t := v.(type) {
	case map[string]any:
		n := 1
		for _, x := range t {
			n += countNodes(x)
		}
		return n
	case []any:
		n := 1
		for _, x := range t {
			n += countNodes(x)
		}
		return n
	}
	return 0
}
