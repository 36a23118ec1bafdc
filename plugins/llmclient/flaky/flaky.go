package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"spanlabel/pkg/contract"
	"spanlabel/plugins/llmclient/mock"
)

// Options: 故障注入配置。
// - Failures: 前若干次调用依次注入的故障，默认 ["rate_limited","invalid_json"]；
//   取值为 GenerationKind 或 "invalid_json"（返回无法解析的文本）；
// - Inner: 故障用尽后委托的 mock 客户端选项；
// - LogPath: 调试用，逐次追加调用结果（可选）。
type Options struct {
	Failures []string        `json:"failures,omitempty"`
	Inner    json.RawMessage `json:"inner,omitempty"`
	LogPath  string          `json:"log_path,omitempty"`
}

// Client: 先按序注入故障，之后委托给 mock。
type Client struct {
	failures []string
	inner    *mock.Client
	logPath  string
	count    atomic.Int32
}

var (
	_ contract.LLMClient    = (*Client)(nil)
	_ contract.Capabilities = (*Client)(nil)
)

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.Failures == nil {
		o.Failures = []string{string(contract.KindRateLimited), "invalid_json"}
	}
	inner, err := mock.NewClient(o.Inner)
	if err != nil {
		return nil, err
	}
	return &Client{failures: o.Failures, inner: inner, logPath: o.LogPath}, nil
}

// StructuredOutput 实现 contract.Capabilities。
func (c *Client) StructuredOutput() bool { return c.inner.StructuredOutput() }

// DeveloperChannel 实现 contract.Capabilities。
func (c *Client) DeveloperChannel() bool { return c.inner.DeveloperChannel() }

// Calls 返回累计调用次数（含注入故障的调用）。
func (c *Client) Calls() int { return int(c.count.Load()) }

// Complete 实现 contract.LLMClient。
func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Completion, error) {
	n := int(c.count.Add(1))
	if n <= len(c.failures) {
		f := c.failures[n-1]
		c.log(f)
		if f == "invalid_json" {
			return contract.Completion{Text: "invalid", Metadata: contract.Metadata{Provider: "flaky"}}, nil
		}
		return contract.Completion{}, &contract.GenerationError{Kind: contract.GenerationKind(f), Provider: "flaky", Message: "injected failure"}
	}
	c.log("ok")
	return c.inner.Complete(ctx, req)
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}
