package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"spanlabel/pkg/contract"
)

const provider = "gemini"

// Options: Gemini Developer API 配置。
type Options struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	APIKeyEnv      string `json:"api_key_env"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// ResponseMIMEType: 结构化/JSON 模式下的输出 MIME，默认 application/json。
	ResponseMIMEType string   `json:"response_mime_type,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

// Client: 基于 google.golang.org/genai 的生成客户端。
// Gemini 无独立开发者通道，DeveloperChannel 恒为 false，开发者指令并入 SystemInstruction。
type Client struct {
	models   *genai.Models
	model    string
	respMIME string
	temp     *float64
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
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(opts.BaseURL, "/") + "/"}
	}
	cl, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{models: cl.Models, model: opts.Model, respMIME: opts.ResponseMIMEType, temp: opts.Temperature}, nil
}

// StructuredOutput 实现 contract.Capabilities。
func (c *Client) StructuredOutput() bool { return true }

// DeveloperChannel 实现 contract.Capabilities。
func (c *Client) DeveloperChannel() bool { return false }

// Complete: 单次同步调用。
func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Completion, error) {
	contents, cfg, err := c.encode(req)
	if err != nil {
		return contract.Completion{}, err
	}
	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return contract.Completion{}, mapError(err)
	}
	if len(resp.Candidates) == 0 {
		return contract.Completion{}, fmt.Errorf("gemini: empty candidates: %w", contract.ErrSchemaInvalid)
	}
	md := contract.Metadata{Provider: provider, Model: resp.ModelVersion, FinishReason: string(resp.Candidates[0].FinishReason)}
	if md.Model == "" {
		md.Model = c.model
	}
	if u := resp.UsageMetadata; u != nil {
		md.PromptTokens = int(u.PromptTokenCount)
		md.CompletionTokens = int(u.CandidatesTokenCount)
	}
	return contract.Completion{Text: resp.Text(), Metadata: md}, nil
}

// Stream: 将 SDK 的推式迭代器经 iter.Pull2 转为拉取式；Close 释放底层连接。
func (c *Client) Stream(ctx context.Context, req contract.Request) (contract.RawStream, error) {
	contents, cfg, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull2(c.models.GenerateContentStream(ctx, c.model, contents, cfg))
	return &rawStream{next: next, stop: stop}, nil
}

func (c *Client) encode(req contract.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "user", "":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			return nil, nil, invalid(fmt.Sprintf("unsupported message role %q", m.Role))
		}
	}
	if len(contents) == 0 {
		return nil, nil, invalid("empty messages")
	}
	cfg := &genai.GenerateContentConfig{}
	sys := req.System
	if req.Developer != "" {
		if sys != "" {
			sys += "\n\n"
		}
		sys += req.Developer
	}
	if sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if t := req.Temperature; t != nil {
		cfg.Temperature = genai.Ptr(float32(*t))
	} else if c.temp != nil {
		cfg.Temperature = genai.Ptr(float32(*c.temp))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Schema) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(req.Schema, &schema); err != nil {
			return nil, nil, invalid("schema: " + err.Error())
		}
		cfg.ResponseMIMEType = c.respMIME
		cfg.ResponseJsonSchema = schema
	} else if req.JSONMode {
		cfg.ResponseMIMEType = c.respMIME
	}
	return contents, cfg, nil
}

type rawStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (r *rawStream) Next() (string, bool, error) {
	resp, err, ok := r.next()
	if !ok {
		return "", true, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}
	if resp == nil {
		return "", false, nil
	}
	return resp.Text(), false, nil
}

func (r *rawStream) Close() error {
	r.stop()
	return nil
}

func invalid(msg string) error {
	return &contract.GenerationError{Kind: contract.KindInvalidRequest, Provider: provider, Message: msg, Err: contract.ErrInvalidInput}
}

// mapError 将 SDK/传输错误映射为 *contract.GenerationError；ctx 取消原样返回。
func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return contract.StatusError(provider, apiErr.Code, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return contract.StatusError(provider, apiErrPtr.Code, apiErrPtr.Message, err)
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
