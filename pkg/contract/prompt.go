package contract

import (
	"context"
	"encoding/json"
)

// Phase: 提示词所处的生成阶段。
type Phase string

const (
	// PhaseLabel: 单段式，直接要求结构化输出。
	PhaseLabel Phase = "label"
	// PhaseReason: 两段式第一段，自由推理，不约束 JSON。
	PhaseReason Phase = "reason"
	// PhaseStructure: 两段式第二段，仅做结构化转换。
	PhaseStructure Phase = "structure"
	// PhaseRepair: 带校验反馈的修复。
	PhaseRepair Phase = "repair"
)

// Task: 构造提示词所需的全部输入。
type Task struct {
	Phase  Phase
	Text   string
	Policy ValidationPolicy
	// Analysis: 第一段推理结果（PhaseStructure 使用）。
	Analysis string
	// Original/Errors: 原始回复与校验错误（PhaseRepair 使用）。
	Original string
	Errors   []string
	// Structured: 目标支持结构化输出；false 时 schema 以文本形式写入 System 并启用 JSONMode。
	Structured bool
	// Developer: 目标支持开发者通道；false 时推理结果内联进 System。
	Developer bool
}

// PromptBuilder: 基于 Task 构造确定性的 Request。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不隐式修改业务内容；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, t Task) (Request, error)
	// EstimateOverheadTokens: 估算与输入文本无关的固定开销（system/规则/schema）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int

// SchemaSource: 可选接口；PromptBuilder 暴露其结构化输出 schema，供策略按复杂度选择单段/两段式。
type SchemaSource interface {
	ResponseSchema() json.RawMessage
}
