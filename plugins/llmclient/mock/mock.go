package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"spanlabel/pkg/contract"
)

// Options: 无网络的确定性客户端配置（集成测试与联调）。
type Options struct {
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode:
	//  - "lexicon"（默认）：按内置/自定义词表在 <prompt> 中查找短语，产出合法标注 JSON；
	//  - "fixed": 每次原样返回 Response；
	//  - "script": 依次返回 Script 条目，用尽后重复最后一条。
	//    条目 "error:<kind>" 返回对应类型的 GenerationError，"lexicon" 表示按词表作答。
	ResponseMode string            `json:"response_mode,omitempty"`
	Response     string            `json:"response,omitempty"`
	Script       []string          `json:"script,omitempty"`
	Lexicon      map[string]string `json:"lexicon,omitempty"`
	// ChunkSize: 流式输出的分片字节数，默认 16。
	ChunkSize int `json:"chunk_size,omitempty"`
	// StructuredOutput / DeveloperChannel: 能力声明，默认 true。
	StructuredOutput *bool `json:"structured_output,omitempty"`
	DeveloperChannel *bool `json:"developer_channel,omitempty"`
}

// Client: 确定性 LLM 实现；并发安全，记录全部请求。
type Client struct {
	mode       string
	fixed      string
	script     []string
	phrases    []phrase
	chunk      int
	structured bool
	developer  bool

	mu       sync.Mutex
	calls    int
	requests []contract.Request
}

type phrase struct {
	text string
	role string
}

var (
	_ contract.LLMClient    = (*Client)(nil)
	_ contract.LLMStreamer  = (*Client)(nil)
	_ contract.Capabilities = (*Client)(nil)
)

// New 从原样 JSON 选项构造客户端；未知字段视为配置错误。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	return NewClient(raw)
}

// NewClient 同 New，返回具体类型以便测试读取调用记录。
func NewClient(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	c := &Client{
		mode:       strings.TrimSpace(o.ResponseMode),
		fixed:      o.Response,
		script:     o.Script,
		chunk:      o.ChunkSize,
		structured: o.StructuredOutput == nil || *o.StructuredOutput,
		developer:  o.DeveloperChannel == nil || *o.DeveloperChannel,
	}
	if c.mode == "" {
		c.mode = "lexicon"
	}
	switch c.mode {
	case "lexicon", "fixed":
	case "script":
		if len(c.script) == 0 {
			return nil, fmt.Errorf("mock: %w: script mode requires script entries", contract.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, c.mode)
	}
	if c.chunk <= 0 {
		c.chunk = 16
	}
	lex := o.Lexicon
	if len(lex) == 0 {
		lex = DefaultLexicon()
	}
	for t, r := range lex {
		c.phrases = append(c.phrases, phrase{text: strings.ToLower(t), role: r})
	}
	// 长短语优先；同长按字典序，保证确定性
	sort.Slice(c.phrases, func(i, j int) bool {
		if len(c.phrases[i].text) != len(c.phrases[j].text) {
			return len(c.phrases[i].text) > len(c.phrases[j].text)
		}
		return c.phrases[i].text < c.phrases[j].text
	})
	return c, nil
}

// DefaultLexicon 返回 lexicon 模式的内置词表。
func DefaultLexicon() map[string]string {
	return map[string]string{
		"woman":        "subject",
		"man":          "subject",
		"dog":          "subject",
		"chef":         "subject",
		"walks":        "action.locomotion",
		"runs":         "action.locomotion",
		"dances":       "action.motion",
		"pans left":    "camera.movement",
		"pans across":  "camera.movement",
		"dolly in":     "camera.movement",
		"close-up":     "shot.type",
		"wide shot":    "shot.type",
		"golden hour":  "lighting.timeOfDay",
		"dusk":         "lighting.timeOfDay",
		"long shadows": "lighting.quality",
		"35mm film":    "style.filmStock",
		"forest":       "environment.location",
		"skyline":      "environment.location",
		"beach":        "environment.location",
		"kitchen":      "environment.location",
	}
}

// StructuredOutput 实现 contract.Capabilities。
func (c *Client) StructuredOutput() bool { return c.structured }

// DeveloperChannel 实现 contract.Capabilities。
func (c *Client) DeveloperChannel() bool { return c.developer }

// Calls 返回累计调用次数（Complete 与 Stream 合计）。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Requests 返回已收到请求的副本。
func (c *Client) Requests() []contract.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contract.Request(nil), c.requests...)
}

// Complete 实现 contract.LLMClient。
func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Completion, error) {
	if err := ctx.Err(); err != nil {
		return contract.Completion{}, err
	}
	text, err := c.respond(req)
	if err != nil {
		return contract.Completion{}, err
	}
	return contract.Completion{Text: text, Metadata: c.metadata(req, text, false)}, nil
}

// Stream 实现 contract.LLMStreamer：把完整回复按 ChunkSize 切片（不拆分 UTF-8 字符）。
func (c *Client) Stream(ctx context.Context, req contract.Request) (contract.RawStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := c.respond(req)
	if err != nil {
		return nil, err
	}
	return &stream{ctx: ctx, rest: text, size: c.chunk}, nil
}

func (c *Client) metadata(req contract.Request, text string, streamed bool) contract.Metadata {
	n := len(req.System) + len(req.Developer)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return contract.Metadata{
		Provider:         "mock",
		Model:            "mock-" + c.mode,
		PromptTokens:     (n + 3) / 4,
		CompletionTokens: (len(text) + 3) / 4,
		FinishReason:     "stop",
		Streamed:         streamed,
	}
}

func (c *Client) respond(req contract.Request) (string, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	switch c.mode {
	case "fixed":
		return c.fixed, nil
	case "script":
		entry := c.script[min(i, len(c.script)-1)]
		if kind, ok := strings.CutPrefix(entry, "error:"); ok {
			return "", &contract.GenerationError{Kind: contract.GenerationKind(kind), Provider: "mock", Message: "scripted failure"}
		}
		if entry == "lexicon" {
			return c.lexicon(req), nil
		}
		return entry, nil
	}
	return c.lexicon(req), nil
}

// lexicon: 推理阶段（无 schema 且非 JSON 模式）返回散文分析，其余返回标注 JSON。
func (c *Client) lexicon(req contract.Request) string {
	text := promptText(req)
	spans := c.match(text)
	if len(req.Schema) == 0 && !req.JSONMode {
		var sb strings.Builder
		sb.WriteString("Analysis:\n")
		for _, s := range spans {
			fmt.Fprintf(&sb, "- %q is %s\n", s.Text, s.Role)
		}
		return sb.String()
	}
	type wireSpan struct {
		Text       string  `json:"text"`
		Role       string  `json:"role"`
		Start      int     `json:"start"`
		Confidence float64 `json:"confidence"`
	}
	out := struct {
		Spans []wireSpan `json:"spans"`
		Meta  struct {
			Version string `json:"version"`
			Notes   string `json:"notes"`
		} `json:"meta"`
		IsAdversarial bool `json:"isAdversarial"`
	}{Spans: make([]wireSpan, 0, len(spans))}
	out.Meta.Version = "mock-v1"
	for _, s := range spans {
		out.Spans = append(out.Spans, wireSpan{Text: s.Text, Role: s.Role, Start: s.Start, Confidence: 0.9})
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// match: 大小写不敏感、词边界对齐、最长优先且互不重叠。
func (c *Client) match(text string) []contract.Span {
	lower := strings.ToLower(text)
	if len(lower) != len(text) {
		// 大小写折叠改变了字节长度，退回精确匹配以保证偏移正确
		lower = text
	}
	taken := make([]bool, len(text))
	var out []contract.Span
	for _, p := range c.phrases {
		from := 0
		for {
			k := strings.Index(lower[from:], p.text)
			if k < 0 {
				break
			}
			s := from + k
			e := s + len(p.text)
			from = s + 1
			if !boundary(text, s, e) || anyTaken(taken[s:e]) {
				continue
			}
			for j := s; j < e; j++ {
				taken[j] = true
			}
			out = append(out, contract.Span{Start: s, End: e, Text: text[s:e], Role: p.role})
		}
	}
	contract.SortSpans(out)
	return out
}

func boundary(text string, s, e int) bool {
	if s > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:s])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if e < len(text) {
		r, _ := utf8.DecodeRuneInString(text[e:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func anyTaken(b []bool) bool {
	for _, v := range b {
		if v {
			return true
		}
	}
	return false
}

// promptText: 取最后一条 user 消息中 <prompt> 包裹的文本；无包裹时取整条消息。
func promptText(req contract.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "" && m.Role != "user" {
			continue
		}
		body := m.Content
		if _, after, ok := strings.Cut(body, "<prompt>\n"); ok {
			if inner, _, ok := strings.Cut(after, "\n</prompt>"); ok {
				return inner
			}
		}
		return body
	}
	return ""
}

type stream struct {
	ctx  context.Context
	rest string
	size int
	done bool
}

func (s *stream) Next() (string, bool, error) {
	if err := s.ctx.Err(); err != nil {
		return "", false, err
	}
	if s.rest == "" || s.done {
		s.done = true
		return "", true, nil
	}
	n := min(s.size, len(s.rest))
	for n < len(s.rest) && !utf8.RuneStart(s.rest[n]) {
		n++
	}
	chunk := s.rest[:n]
	s.rest = s.rest[n:]
	return chunk, false, nil
}

func (s *stream) Close() error {
	s.done = true
	return nil
}
