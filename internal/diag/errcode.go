package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"spanlabel/pkg/contract"
)

// Code 是错误分类代码；仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeSemantic  Code = "semantic"
	CodeRepair    Code = "repair"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeAuth      Code = "auth"
	CodeServer    Code = "server"
	CodeTimeout   Code = "timeout"
	CodeCancel    Code = "cancel"
	CodePosition  Code = "position"
	CodeDeclined  Code = "declined"
	CodeIO        Code = "io"
)

// Classify 将错误归类。
// 说明：仅依赖哨兵错误与类型断言，不做字符串匹配。修复耗尽优先于其包裹的原因。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, contract.ErrRepairExhausted) {
		return CodeRepair
	}
	var ge *contract.GenerationError
	if errors.As(err, &ge) {
		switch ge.Kind {
		case contract.KindAuthentication:
			return CodeAuth
		case contract.KindRateLimited:
			return CodeBudget
		case contract.KindServer:
			return CodeServer
		case contract.KindTimeout:
			return CodeTimeout
		case contract.KindNetwork:
			return CodeNetwork
		case contract.KindInvalidRequest:
			return CodeInvariant
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancel
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, contract.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, contract.ErrRateLimited):
		return CodeBudget
	case errors.Is(err, contract.ErrAuthentication):
		return CodeAuth
	case errors.Is(err, contract.ErrServer):
		return CodeServer
	case errors.Is(err, contract.ErrSchemaInvalid):
		return CodeProtocol
	case errors.Is(err, contract.ErrSemanticInvalid):
		return CodeSemantic
	case errors.Is(err, contract.ErrPositionNotFound):
		return CodePosition
	case errors.Is(err, contract.ErrExtractionDeclined):
		return CodeDeclined
	case errors.Is(err, contract.ErrInvariantViolation),
		errors.Is(err, contract.ErrInvalidInput),
		errors.Is(err, contract.ErrPathInvalid):
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, contract.ErrNetwork) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
