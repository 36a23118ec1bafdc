package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Progress: 批量标注的终端提示（非日志）。
// - TTY: 单行 \r 覆盖，≥100ms 节流；非 TTY: 仅关键节点分行打印；
// - 并发安全；写失败后进入禁用态为 no-op；nil 接收者为 no-op。
type Progress struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	llm         string
	filesDone   int

	curFile   string
	total     int
	done      int
	failed    int
	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// NewProgress 构造提示器；enabled=false 时总是 no-op。CI 环境视为非 TTY。
func NewProgress(w io.Writer, enabled bool) *Progress {
	if w == nil {
		w = os.Stderr
	}
	p := &Progress{w: w, enabled: enabled}
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			if fi, err := f.Stat(); err == nil {
				p.isTTY = fi.Mode()&os.ModeCharDevice != 0
			}
		}
	}
	return p
}

// RunStart 记录运行上下文。
func (p *Progress) RunStart(concurrency int, llm string) {
	p.locked(func() {
		p.concurrency, p.llm, p.filesDone = concurrency, llm, 0
		p.println(fmt.Sprintf("[run] 并发=%d | llm=%s", concurrency, oneLine(llm)))
	})
}

// FileStart 标记当前文件与记录总数。
func (p *Progress) FileStart(fileID string, records int) {
	p.locked(func() {
		p.curFile = shortBase(fileID, 48)
		p.total, p.done, p.failed = records, 0, 0
		if !p.isTTY {
			p.println(fmt.Sprintf("[file] %s | 记录=%d", p.curFile, records))
		}
	})
}

// Record 记录一条完成（ok=false 计入失败）。
func (p *Progress) Record(ok bool) {
	p.locked(func() {
		p.done++
		if !ok {
			p.failed++
		}
		if !p.isTTY {
			return
		}
		now := time.Now()
		if now.Sub(p.lastFlush) < 100*time.Millisecond && p.done < p.total {
			return
		}
		p.lastFlush = now
		p.inline(fmt.Sprintf("[file] %s | 进度 %d/%d | 失败 %d", p.curFile, p.done, p.total, p.failed))
	})
}

// FileFinish 完成当前文件。
func (p *Progress) FileFinish(dur time.Duration) {
	p.locked(func() {
		p.filesDone++
		if p.isTTY && p.lastLen > 0 {
			p.inline("")
		}
		status := "done"
		if p.failed > 0 {
			status = "partial"
		}
		p.println(fmt.Sprintf("[%s] %s | 记录 %d | 失败 %d | 用时 %s", status, p.curFile, p.total, p.failed, formatDur(dur)))
	})
}

// RunFinish 结束总览。
func (p *Progress) RunFinish(ok bool, dur time.Duration) {
	p.locked(func() {
		tag := "ok"
		if !ok {
			tag = "fail"
		}
		p.println(fmt.Sprintf("[%s] 全部完成 | 文件 %d | 总用时 %s", tag, p.filesDone, formatDur(dur)))
	})
}

func (p *Progress) locked(fn func()) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	fn()
}

func (p *Progress) println(s string) {
	if _, err := io.WriteString(p.w, s+"\n"); err != nil {
		p.enabled = false
	}
	p.lastLen = 0
}

func (p *Progress) inline(s string) {
	n := len([]rune(s))
	pad := ""
	if p.lastLen > n {
		pad = strings.Repeat(" ", p.lastLen-n)
	}
	if _, err := io.WriteString(p.w, "\r"+s+pad); err != nil {
		p.enabled = false
		return
	}
	p.lastLen = n
}

func shortBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	rs := []rune(filepath.Base(strings.TrimSpace(s)))
	if len(rs) <= max {
		return string(rs)
	}
	return string(rs[:max-1]) + "…"
}

func oneLine(s string) string { return strings.NewReplacer("\n", " ", "\r", " ").Replace(s) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		if d < 0 {
			d = 0
		}
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
