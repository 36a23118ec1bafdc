package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanlabel/pkg/contract"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "日志行应为 JSON: %s", sc.Text())
		out = append(out, m)
	}
	return out
}

// UT-DIAG-01: 日志轮转写入
func TestRotatingFileRotates(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	for i := 0; i < 4; i++ {
		_, err := w.Write([]byte("a log line that is long enough\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	var current, rotated bool
	for _, e := range ents {
		switch {
		case e.Name() == currentLogName:
			current = true
		case strings.HasPrefix(e.Name(), "spanlabel-") && strings.HasSuffix(e.Name(), ".log"):
			rotated = true
		}
	}
	assert.True(t, current, "应存在当前文件")
	assert.True(t, rotated, "应存在轮转文件")
}

func TestRotatingFilePrunesBackups(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	w.Keep = 2
	for i := 0; i < 6; i++ {
		_, err := w.Write([]byte("0123456789\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	backups, err := filepath.Glob(filepath.Join(dir, "spanlabel-2*.log"))
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	assert.EqualValues(t, 10*1024*1024, w.maxBytes)
	require.NoError(t, w.rotate()) // f==nil 分支只打开
	require.NotNil(t, w.f)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "重复关闭应为 no-op")
}

// UT-DIAG-02: 结构化字段
func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "corr-1", "debug")
	timer := l.StartWith("generate", "call", "req-1", "1")
	timer.Finish("ok", 3)
	start := time.Now().Add(-5 * time.Millisecond)
	l.ErrorWithKV("generate", "server", "boom", &start, "req-1", "2", map[string]string{"http_status": "503"})
	l.Warn("resolve", "not found", map[string]string{"substring": "x"})
	l.Debug("resolve", "fuzzy", nil)
	require.NoError(t, l.Sync())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 5)
	assert.Equal(t, "corr-1", lines[0]["corr_id"])
	assert.Equal(t, "start", lines[0]["stage"])
	assert.Equal(t, "req-1", lines[0]["req_id"])
	assert.Equal(t, "finish", lines[1]["stage"])
	assert.EqualValues(t, 3, lines[1]["count"])
	assert.Equal(t, "error", lines[2]["level"])
	assert.Equal(t, "server", lines[2]["code"])
	assert.Equal(t, map[string]any{"http_status": "503"}, lines[2]["kv"])
	assert.Equal(t, "warn", lines[3]["level"])
	assert.Equal(t, "debug", lines[4]["level"])
}

func TestLoggerLevelFilterAndNil(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "c", "warn")
	l.Start("comp", "filtered").Finish("filtered", 0)
	l.DebugStart("comp", "filtered", "", "", nil)
	l.Error("comp", "code", "kept", nil)
	assert.Len(t, decodeLines(t, &buf), 1)

	var nl *Logger
	nl.Start("comp", "x").Finish("x", 1)
	nl.Error("comp", "code", "x", nil)
	nl.Warn("comp", "x", nil)
	assert.NoError(t, nl.Close())
	assert.Nil(t, nl.With(map[string]string{"a": "b"}))
	var tn *Timer
	tn.Finish("x", 0)
	assert.Equal(t, "info", ParseLevel("nonsense").String())
}

func TestLoggerWithFileSink(t *testing.T) {
	t.Chdir(t.TempDir())
	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	require.NoError(t, l.Close())
	_, err := os.Stat("logs/" + currentLogName)
	require.NoError(t, err)
}

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{errors.New("other"), CodeUnknown},
		{context.Canceled, CodeCancel},
		{context.DeadlineExceeded, CodeTimeout},
		{&contract.GenerationError{Kind: contract.KindAuthentication}, CodeAuth},
		{&contract.GenerationError{Kind: contract.KindRateLimited}, CodeBudget},
		{&contract.GenerationError{Kind: contract.KindServer}, CodeServer},
		{&contract.GenerationError{Kind: contract.KindTimeout}, CodeTimeout},
		{&contract.GenerationError{Kind: contract.KindNetwork}, CodeNetwork},
		{&contract.GenerationError{Kind: contract.KindInvalidRequest}, CodeInvariant},
		{fmt.Errorf("x: %w", contract.ErrSchemaInvalid), CodeProtocol},
		{fmt.Errorf("x: %w", contract.ErrSemanticInvalid), CodeSemantic},
		{fmt.Errorf("%w: %w", contract.ErrRepairExhausted, contract.ErrSchemaInvalid), CodeRepair},
		{contract.ErrPositionNotFound, CodePosition},
		{contract.ErrExtractionDeclined, CodeDeclined},
		{contract.ErrPathInvalid, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "err=%v", c.err)
	}
	assert.NotEmpty(t, NowUTC())
}

// UT-DIAG-04: 指标
func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("diagtest", "stage", "success"))
	IncOp("diagtest", "stage", "success")
	IncError("diagtest", "io")
	ObserveDuration("diagtest", "stage", 12)
	MatchTotal.WithLabelValues("exact").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(opTotal.WithLabelValues("diagtest", "stage", "success")))

	var buf bytes.Buffer
	require.NoError(t, WriteMetrics(&buf))
	assert.Contains(t, buf.String(), "spanlabel_ops_total")
	assert.Contains(t, buf.String(), "spanlabel_position_match_total")
}

// UT-DIAG-05: 进度提示（非 TTY）
func TestProgressNonTTY(t *testing.T) {
	var sb strings.Builder
	p := NewProgress(&sb, true)
	require.False(t, p.isTTY)
	p.RunStart(4, "openai")
	p.FileStart("prompts/batch.txt", 3)
	p.Record(true)
	p.Record(false)
	p.Record(true)
	p.FileFinish(1500 * time.Millisecond)
	p.RunFinish(true, 2*time.Second)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] 并发=4 | llm=openai")
	assert.Contains(t, out, "[file] batch.txt | 记录=3")
	assert.Contains(t, out, "[partial] batch.txt | 记录 3 | 失败 1 | 用时 1.5s")
	assert.Contains(t, out, "[ok] 全部完成 | 文件 1 | 总用时 2.0s")
}

func TestProgressTTYInline(t *testing.T) {
	var sb strings.Builder
	p := NewProgress(&sb, true)
	p.isTTY = true
	p.FileStart("a.txt", 2)
	p.Record(true)
	assert.Contains(t, sb.String(), "\r[file] a.txt | 进度 1/2")
	p.FileFinish(0)
	assert.Contains(t, sb.String(), "[done] a.txt")
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("boom") }

func TestProgressDisableOnWriteErrorAndNil(t *testing.T) {
	p := NewProgress(failWriter{}, true)
	p.RunStart(1, "x")
	assert.False(t, p.enabled)
	p.FileStart("a", 1)
	p.Record(true)

	var pn *Progress
	pn.RunStart(1, "x")
	pn.Record(false)
	pn.RunFinish(false, 0)
	assert.Equal(t, "", shortBase("x", 0))
	assert.Equal(t, "0ms", formatDur(0))
}
