package contract

import (
	"context"
	"encoding/json"
	"errors"
)

// 生成错误哨兵（由 *GenerationError.Is 匹配）。
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrServer         = errors.New("server error")
	ErrTimeout        = errors.New("timeout")
	ErrNetwork        = errors.New("network error")
	ErrInvalidInput   = errors.New("invalid input")
)

// Message: 最小会话消息形状。Role 取 user/assistant。
type Message struct {
	Role    string
	Content string
}

// Request: 面向外部生成服务的一次调用。
// 约束：
//  1. Schema 非空即要求结构化输出（提供方不支持时由上层改用 JSONMode）；
//  2. Developer 仅在提供方声明支持开发者通道时使用，否则上层应内联进 System；
//  3. MaxTokens 为本次调用的输出上限（两段式时已按比例切分）。
type Request struct {
	System      string
	Developer   string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Schema      json.RawMessage
	SchemaName  string
	JSONMode    bool
	Stream      bool
}

// Metadata: 提供方返回的附加信息（可部分为空）。
type Metadata struct {
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
	FinishReason     string `json:"finishReason,omitempty"`
	Streamed         bool   `json:"streamed,omitempty"`
}

// Completion: 一次调用的完整文本与元信息。
// 约束：Text 原样返回，不做清洗/截断/归一化。
type Completion struct {
	Text     string
	Metadata Metadata
}

// LLMClient: 与外部生成服务交互；单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
type LLMClient interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// LLMStreamer: 可选的流式接口。
type LLMStreamer interface {
	Stream(ctx context.Context, req Request) (RawStream, error)
}

// RawStream: 只读顺序拉取；done=true 为流结束哨兵。调用方在任何退出路径上都必须 Close。
type RawStream interface {
	Next() (chunk string, done bool, err error)
	Close() error
}

// Capabilities: 可选的能力声明；未实现时视为全部不支持。
type Capabilities interface {
	StructuredOutput() bool
	DeveloperChannel() bool
}

// UpstreamError 用于承载上游错误的最小诊断信息。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
