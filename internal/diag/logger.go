package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger: 结构化日志器（zap 承载）。
// 字段约定：comp/stage/code/dur_ms/count/req_id/attempt/kv，corr_id 在构造时绑定。
// nil *Logger 为合法 no-op。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 按 level 初始化，写入 logs/ 目录，10MiB 轮转，保留 5 个历史文件。
func NewLogger(corrID, level string) *Logger { return NewLoggerIn("logs", corrID, level) }

// NewLoggerIn 同 NewLogger，日志目录可配置。
func NewLoggerIn(dir, corrID, level string) *Logger {
	sink := NewRotatingFile(dir, 10*1024*1024)
	sink.Keep = 5
	l := newLogger(sink, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 写入任意 io.Writer（测试与 stderr 使用）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return newLogger(zapcore.AddSync(w), corrID, level)
}

// Nop 返回丢弃全部输出的日志器。
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

func newLogger(ws zapcore.WriteSyncer, corrID, level string) *Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.RFC3339TimeEncoder
	enc.StacktraceKey = ""
	enc.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, zap.NewAtomicLevelAt(ParseLevel(level)))
	return &Logger{z: zap.New(core).With(zap.String("corr_id", corrID))}
}

// ParseLevel 解析级别；未知值回落 info。
func ParseLevel(s string) zapcore.Level {
	lv, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lv
}

// Zap 暴露底层 zap.Logger（供需要原生字段的组件使用）。
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// With 返回附加固定字段的子日志器（例如 req_id）。
func (l *Logger) With(kv map[string]string) *Logger {
	if l == nil || l.z == nil || len(kv) == 0 {
		return l
	}
	fields := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fields = append(fields, zap.String(k, v))
	}
	return &Logger{z: l.z.With(fields...), sink: l.sink}
}

// Sync 刷新缓冲；关闭文件由 Close 负责。
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

// Close 刷新并关闭文件 sink（若有）。
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

type event struct {
	comp, stage, code string
	dur               time.Duration
	count             int64
	reqID, attempt    string
	kv                map[string]string
}

func (l *Logger) emit(lv zapcore.Level, msg string, ev event) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv, msg)
	if ce == nil {
		return
	}
	fields := []zap.Field{zap.String("comp", ev.comp), zap.String("stage", ev.stage)}
	if ev.code != "" {
		fields = append(fields, zap.String("code", ev.code))
	}
	if ev.dur > 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.dur.Milliseconds()))
	}
	if ev.count > 0 {
		fields = append(fields, zap.Int64("count", ev.count))
	}
	if ev.reqID != "" {
		fields = append(fields, zap.String("req_id", ev.reqID))
	}
	if ev.attempt != "" {
		fields = append(fields, zap.String("attempt", ev.attempt))
	}
	if len(ev.kv) > 0 {
		fields = append(fields, zap.Any("kv", ev.kv))
	}
	ce.Write(fields...)
}

func since(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(*t)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 req_id/attempt 的 start。
func (l *Logger) StartWith(comp, msg, reqID, attempt string) *Timer {
	return l.StartWithKV(comp, msg, reqID, attempt, nil)
}

// StartWithKV 记录带 req_id/attempt 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, reqID, attempt string, kv map[string]string) *Timer {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "start", reqID: reqID, attempt: attempt, kv: kv})
	return &Timer{l: l, comp: comp, reqID: reqID, attempt: attempt, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 req_id/attempt。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, reqID, attempt string) {
	l.ErrorWithKV(comp, code, msg, durSince, reqID, attempt, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, reqID, attempt string, kv map[string]string) {
	l.emit(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: code, dur: since(durSince), reqID: reqID, attempt: attempt, kv: kv})
}

// Warn 记录告警（例如定位失败、审校遗留问题）。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.emit(zapcore.WarnLevel, msg, event{comp: comp, stage: "warn", kv: kv})
}

// Debug 记录调试事件（仅 level=debug 生效）。
func (l *Logger) Debug(comp, msg string, kv map[string]string) {
	l.emit(zapcore.DebugLevel, msg, event{comp: comp, stage: "debug", kv: kv})
}

// DebugStart 输出调试级别的 start 类事件。
func (l *Logger) DebugStart(comp, msg, reqID, attempt string, kv map[string]string) {
	l.emit(zapcore.DebugLevel, msg, event{comp: comp, stage: "start", reqID: reqID, attempt: attempt, kv: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "finish", dur: time.Since(start), count: count})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l       *Logger
	comp    string
	reqID   string
	attempt string
	t0      time.Time
}

// Finish 记录 finish；可选 count。同时上报耗时指标。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0)
	t.l.emit(zapcore.InfoLevel, msg, event{comp: t.comp, stage: "finish", dur: dur, count: count, reqID: t.reqID, attempt: t.attempt})
	ObserveDuration(t.comp, "finish", dur.Milliseconds())
}
