package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"spanlabel/pkg/contract"
)

const provider = "openai"

// Options: OpenAI 及兼容网关的配置。
type Options struct {
	BaseURL        string            `json:"base_url"`
	Model          string            `json:"model"`
	APIKeyEnv      string            `json:"api_key_env"`
	APIKey         string            `json:"api_key"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers"`
	// StructuredOutput / DeveloperChannel: 能力声明，默认均为 true；兼容网关可关闭。
	StructuredOutput *bool `json:"structured_output,omitempty"`
	DeveloperChannel *bool `json:"developer_channel,omitempty"`
	// DisableSchemaFallback: 关闭“json_schema 被拒后回退 json_object”。
	DisableSchemaFallback bool `json:"disable_schema_fallback"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client: 基于 openai-go 的 Chat Completions 客户端。
// 重试由上层统一决策，SDK 自带重试关闭。
type Client struct {
	chat       *oai.ChatCompletionService
	model      string
	temp       *float64
	structured bool
	developer  bool
	fallback   bool
}

var (
	_ contract.LLMClient    = (*Client)(nil)
	_ contract.LLMStreamer  = (*Client)(nil)
	_ contract.Capabilities = (*Client)(nil)
)

// New 从原样 JSON 选项构造客户端；未知字段视为配置错误。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")+"/"))
	}
	for k, v := range opts.ExtraHeaders {
		if k != "" {
			reqOpts = append(reqOpts, option.WithHeader(k, v))
		}
	}
	cl := oai.NewClient(reqOpts...)
	return &Client{
		chat:       &cl.Chat.Completions,
		model:      opts.Model,
		temp:       opts.Temperature,
		structured: opts.StructuredOutput == nil || *opts.StructuredOutput,
		developer:  opts.DeveloperChannel == nil || *opts.DeveloperChannel,
		fallback:   !opts.DisableSchemaFallback,
	}, nil
}

// StructuredOutput 实现 contract.Capabilities。
func (c *Client) StructuredOutput() bool { return c.structured }

// DeveloperChannel 实现 contract.Capabilities。
func (c *Client) DeveloperChannel() bool { return c.developer }

// Complete: 单次同步调用。schema 被网关拒绝时回退 json_object 重发一次。
func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Completion, error) {
	params, err := c.params(req)
	if err != nil {
		return contract.Completion{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil && c.fallback && params.ResponseFormat.OfJSONSchema != nil && shouldFallbackJSONMode(err) {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
		resp, err = c.chat.New(ctx, params)
	}
	if err != nil {
		return contract.Completion{}, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return contract.Completion{}, fmt.Errorf("openai: empty choices: %w", contract.ErrSchemaInvalid)
	}
	ch := resp.Choices[0]
	return contract.Completion{
		Text: ch.Message.Content,
		Metadata: contract.Metadata{
			Provider:         provider,
			Model:            resp.Model,
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			FinishReason:     string(ch.FinishReason),
		},
	}, nil
}

// Stream: 以 SSE 拉取增量文本；调用方负责 Close。
func (c *Client) Stream(ctx context.Context, req contract.Request) (contract.RawStream, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	return &rawStream{s: c.chat.NewStreaming(ctx, params)}, nil
}

func (c *Client) params(req contract.Request) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, oai.SystemMessage(req.System))
	}
	if req.Developer != "" {
		msgs = append(msgs, oai.DeveloperMessage(req.Developer))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		case "user", "":
			msgs = append(msgs, oai.UserMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, invalid(fmt.Sprintf("unsupported message role %q", m.Role))
		}
	}
	if len(msgs) == 0 {
		return oai.ChatCompletionNewParams{}, invalid("empty messages")
	}
	p := oai.ChatCompletionNewParams{Messages: msgs, Model: c.model}
	if t := req.Temperature; t != nil {
		p.Temperature = oai.Float(*t)
	} else if c.temp != nil {
		p.Temperature = oai.Float(*c.temp)
	}
	if req.MaxTokens > 0 {
		p.MaxCompletionTokens = oai.Int(int64(req.MaxTokens))
	}
	switch {
	case len(req.Schema) > 0 && c.structured:
		var schema map[string]any
		if err := json.Unmarshal(req.Schema, &schema); err != nil {
			return oai.ChatCompletionNewParams{}, invalid("schema: " + err.Error())
		}
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		p.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Strict: oai.Bool(true),
					Schema: schema,
				},
			},
		}
	case len(req.Schema) > 0 || req.JSONMode:
		p.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
	}
	return p, nil
}

type rawStream struct {
	s *ssestream.Stream[oai.ChatCompletionChunk]
}

func (r *rawStream) Next() (string, bool, error) {
	if r.s.Next() {
		cur := r.s.Current()
		if len(cur.Choices) == 0 {
			return "", false, nil
		}
		return cur.Choices[0].Delta.Content, false, nil
	}
	if err := r.s.Err(); err != nil {
		return "", false, mapError(err)
	}
	return "", true, nil
}

func (r *rawStream) Close() error { return r.s.Close() }

func invalid(msg string) error {
	return &contract.GenerationError{Kind: contract.KindInvalidRequest, Provider: provider, Message: msg, Err: contract.ErrInvalidInput}
}

// shouldFallbackJSONMode: 网关对 json_schema 支持不完整时的错误特征。
func shouldFallbackJSONMode(err error) bool {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "json_schema") || strings.Contains(msg, "response_format") ||
		(strings.Contains(msg, "unsupported") && strings.Contains(msg, "schema"))
}

// mapError 将 SDK/传输错误映射为 *contract.GenerationError；ctx 取消原样返回。
func mapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return contract.StatusError(provider, apiErr.StatusCode, msg, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &contract.GenerationError{Kind: contract.KindTimeout, Provider: provider, Err: err}
	}
	return &contract.GenerationError{Kind: contract.KindNetwork, Provider: provider, Err: err}
}
