package contract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// 标注流水线错误分类。
var (
	// ErrPositionNotFound: 定位器穷尽全部策略；非致命，调用方丢弃该 Span。
	ErrPositionNotFound = errors.New("position not found")
	// ErrExtractionDeclined: 快速路径主动放弃；仅用于日志/指标，触发回退。
	ErrExtractionDeclined = errors.New("extraction declined")
	// ErrSchemaInvalid: 模型回复结构不符（总会经修复环重试一次）。
	ErrSchemaInvalid = errors.New("schema invalid")
	// ErrSemanticInvalid: 策略或语义审校未通过。
	ErrSemanticInvalid = errors.New("semantic invalid")
	// ErrRepairExhausted: 唯一一次修复后仍失败（致命）。
	ErrRepairExhausted = errors.New("repair exhausted")
)

// 路径与不变量相关。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// GenerationKind: 生成调用失败的类型。
type GenerationKind string

const (
	KindAuthentication GenerationKind = "authentication"
	KindRateLimited    GenerationKind = "rate_limited"
	KindServer         GenerationKind = "server"
	KindTimeout        GenerationKind = "timeout"
	KindNetwork        GenerationKind = "network"
	KindInvalidRequest GenerationKind = "invalid_request"
)

// GenerationError: 生成调用的类型化错误；携带判定是否值得重试的信息。
type GenerationError struct {
	Kind     GenerationKind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *GenerationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("generation %s (%s, status=%d): %s", e.Kind, e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("generation %s (%s): %s", e.Kind, e.Provider, msg)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrRateLimited) 等哨兵判定成立。
func (e *GenerationError) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.Kind == KindAuthentication
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrServer:
		return e.Kind == KindServer
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrInvalidInput:
		return e.Kind == KindInvalidRequest
	}
	return false
}

// Retryable: 网络/超时/限流/服务端错误可重试一次；鉴权与非法请求永不重试。
func (e *GenerationError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// UpstreamStatus 实现 UpstreamError。
func (e *GenerationError) UpstreamStatus() int { return e.Status }

// UpstreamMessage 实现 UpstreamError。
func (e *GenerationError) UpstreamMessage() string { return e.Message }

// StatusError 按上游 HTTP 状态码构造 GenerationError。
// 约束：401/403 → authentication；429 → rate_limited；408 → timeout；5xx → server；其余 → invalid_request。
func StatusError(provider string, status int, msg string, err error) *GenerationError {
	kind := KindInvalidRequest
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServer
	}
	return &GenerationError{Kind: kind, Provider: provider, Status: status, Message: msg, Err: err}
}

// IsRetryable 判断任意错误是否为可重试的生成错误。
func IsRetryable(err error) bool {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	return false
}

// FailureKind: 面向用户的终态错误类别。
type FailureKind string

const (
	// FailureUnlabelable: 源文本无法被标注（提示用户修改后重试）。
	FailureUnlabelable FailureKind = "unlabelable"
	// FailureUnavailable: 外部生成服务不可用（告知故障）。
	FailureUnavailable FailureKind = "unavailable"
)

// LabelError: 流水线唯一的终态错误。
type LabelError struct {
	Kind FailureKind
	Err  error
}

func (e *LabelError) Error() string { return fmt.Sprintf("label %s: %v", e.Kind, e.Err) }

func (e *LabelError) Unwrap() error { return e.Err }

// NewLabelError 按错误链归类终态错误。
func NewLabelError(err error) *LabelError {
	var le *LabelError
	if errors.As(err, &le) {
		return le
	}
	kind := FailureUnlabelable
	var ge *GenerationError
	switch {
	case errors.As(err, &ge):
		if ge.Kind != KindInvalidRequest {
			kind = FailureUnavailable
		}
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout), errors.Is(err, ErrNetwork),
		errors.Is(err, ErrServer), errors.Is(err, ErrAuthentication),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = FailureUnavailable
	}
	return &LabelError{Kind: kind, Err: err}
}
