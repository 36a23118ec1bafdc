// Package registry 以名称登记可插拔组件的工厂；配置层据此装配实现。
//
// 每个工厂接收原样 JSON 选项（来自配置 options.<kind>），严格解码后构造实现。
// 名称即配置中 components.<kind> 的取值。
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"spanlabel/pkg/contract"
	ajsonl "spanlabel/plugins/assembler/jsonl"
	dspan "spanlabel/plugins/decoder/spanjson"
	flaky "spanlabel/plugins/llmclient/flaky"
	gmi "spanlabel/plugins/llmclient/gemini"
	mock "spanlabel/plugins/llmclient/mock"
	oai "spanlabel/plugins/llmclient/openai"
	plabel "spanlabel/plugins/prompt/label"
	rfs "spanlabel/plugins/reader/filesystem"
	spara "spanlabel/plugins/splitter/paragraph"
	wfs "spanlabel/plugins/writer/filesystem"
)

// Factory 组件工厂。
type Factory[T any] func(raw json.RawMessage) (T, error)

// strictUnmarshal: 空白输入保持零值；其余按 DisallowUnknownFields 解码。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// withOptions 把 "严格解码选项 → 构造" 组合为工厂；解码失败归类为 ErrInvalidInput。
func withOptions[O, T any](kind string, build func(*O) (T, error)) Factory[T] {
	return func(raw json.RawMessage) (T, error) {
		var opts O
		if err := strictUnmarshal(raw, &opts); err != nil {
			var zero T
			return zero, fmt.Errorf("%w: %s options: %v", contract.ErrInvalidInput, kind, err)
		}
		return build(&opts)
	}
}

// Reader: fs 读取文件、目录（按扩展名过滤）或 STDIN。
var Reader = map[string]Factory[contract.Reader]{
	"fs": withOptions("reader", func(o *rfs.Options) (contract.Reader, error) { return rfs.New(o), nil }),
}

// Splitter: paragraph 按空行分段，.jsonl 每行一条。
var Splitter = map[string]Factory[contract.Splitter]{
	"paragraph": withOptions("splitter", func(o *spara.Options) (contract.Splitter, error) { return spara.New(o), nil }),
}

// PromptBuilder: label 构造标注、推理与修复提示词。
var PromptBuilder = map[string]Factory[contract.PromptBuilder]{
	"label": withOptions("prompt", func(o *plabel.Options) (contract.PromptBuilder, error) { return plabel.New(o) }),
}

// LLMClient 各客户端自行严格解码选项（含密钥环境变量解析）。
var LLMClient = map[string]Factory[contract.LLMClient]{
	"openai": oai.New,
	"gemini": gmi.New,
	"mock":   mock.New,
	"flaky":  flaky.New,
}

// Decoder: spanjson 严格解码 {"spans":[...],"meta":{...}}。
var Decoder = map[string]Factory[contract.Decoder]{
	"spanjson": dspan.New,
}

// Assembler: jsonl 每条记录输出一行。
var Assembler = map[string]Factory[contract.Assembler]{
	"jsonl": ajsonl.New,
}

// Writer: fs 写入 output_dir，默认原子替换。
var Writer = map[string]Factory[contract.Writer]{
	"fs": withOptions("writer", func(o *wfs.Options) (contract.Writer, error) { return wfs.New(o) }),
}
