// Package batch 驱动文件级批量标注：Reader → Splitter → Labeler → Assembler → Writer。
//
// - 单点并发：仅此层管理请求并发（errgroup + SetLimit）；Labeler 之下各组件保持同步。
// - 顺序门闩：同一文件的记录按 Index 严格递增提交；乱序结果暂存，连续冲刷。
// - 单条失败不终止：失败记录以 Labeled.Err 形式交给 Assembler；仅基础设施错误（拆分/装配/写出/取消）终止运行。
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"spanlabel/internal/diag"
	"spanlabel/internal/pipeline"
	"spanlabel/pkg/contract"
)

// Labeler: 单条标注能力；*pipeline.Labeler 满足该接口。
type Labeler interface {
	Label(ctx context.Context, req pipeline.Request) (contract.LabelResult, error)
}

// Components 聚合批处理所需的组件。
type Components struct {
	Reader    contract.Reader
	Splitter  contract.Splitter
	Labeler   Labeler
	Assembler contract.Assembler
	Writer    contract.Writer
}

// Settings 批处理运行期参数。
type Settings struct {
	Inputs      []string
	Concurrency int
	Policy      contract.ValidationPolicy
	CameraHint  bool
	// FailFast: 任一记录失败即取消整个运行（默认关闭）。
	FailFast bool
}

// Stats 运行汇总。
type Stats struct {
	Files   int `json:"files"`
	Records int `json:"records"`
	Labeled int `json:"labeled"`
	Failed  int `json:"failed"`
}

// Run 执行完整批处理。
// 约束：
//  1. 文件按 Reader 给出的顺序串行处理，文件内记录并发标注；
//  2. 输出按 Index 升序流式写出，每个文件单次 Writer.Write；
//  3. 首个基础设施错误取消整体并返回。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger, progress *diag.Progress) (Stats, error) {
	var st Stats
	if err := sanity(comp, &set); err != nil {
		return st, fmt.Errorf("sanity: %w", err)
	}
	runStart := time.Now()
	ok := false
	defer func() { progress.RunFinish(ok, time.Since(runStart)) }()

	rtimer := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		stimer := logger.StartWith("splitter", "split", string(fid), "")
		recs, err := comp.Splitter.Split(ctx, fid, rc)
		if err != nil {
			fail(logger, "splitter", "split failed", string(fid), err)
			return fmt.Errorf("splitter split: %w", err)
		}
		stimer.Finish("split", int64(len(recs)))
		diag.IncOp("splitter", "finish", "success")

		fs, err := runFile(ctx, comp, set, fid, recs, logger, progress)
		st.Files++
		st.Records += fs.Records
		st.Labeled += fs.Labeled
		st.Failed += fs.Failed
		if err != nil {
			return fmt.Errorf("file %s: %w", fid, err)
		}
		return nil
	})
	if err != nil {
		fail(logger, "reader", "iterate failed", "", err)
		return st, fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", int64(st.Files))
	diag.IncOp("reader", "finish", "success")
	ok = true
	return st, nil
}

type result struct {
	idx  int
	item contract.Labeled
}

// runFile 并发标注单个文件的记录，并经顺序门闩流式写出。
func runFile(ctx context.Context, comp Components, set Settings, fid contract.FileID, recs []contract.Record, logger *diag.Logger, progress *diag.Progress) (Stats, error) {
	st := Stats{Records: len(recs)}
	progress.FileStart(string(fid), len(recs))
	fileStart := time.Now()
	defer func() { progress.FileFinish(time.Since(fileStart)) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	wdone := make(chan error, 1)
	wtimer := logger.StartWith("writer", "write", string(fid), "")
	go func() {
		err := comp.Writer.Write(ctx, contract.ArtifactID(fid), pr)
		// 写者提前退出时解除装配侧阻塞
		_ = pr.CloseWithError(errWriterClosed)
		wdone <- err
	}()

	var firstErr error
	if len(recs) == 0 {
		firstErr = emit(ctx, comp.Assembler, fid, nil, pw, logger)
	} else {
		firstErr = label(ctx, cancel, comp, set, fid, recs, pw, logger, progress, &st)
	}

	if firstErr != nil {
		_ = pw.CloseWithError(firstErr)
	} else {
		_ = pw.Close()
	}
	werr := <-wdone
	if errors.Is(firstErr, errWriterClosed) && werr != nil {
		firstErr = fmt.Errorf("writer write: %w", werr)
	}
	if firstErr != nil {
		fail(logger, "batch", "first error", string(fid), firstErr)
		return st, firstErr
	}
	if werr != nil {
		fail(logger, "writer", "write failed", string(fid), werr)
		return st, fmt.Errorf("writer write: %w", werr)
	}
	wtimer.Finish("write", int64(len(recs)))
	diag.IncOp("writer", "finish", "success")
	return st, nil
}

var errWriterClosed = errors.New("batch: writer closed")

// label: 生产者在独立协程中按 SetLimit 派发；消费者在当前协程按序冲刷。
func label(ctx context.Context, cancel context.CancelFunc, comp Components, set Settings, fid contract.FileID, recs []contract.Record, pw io.Writer, logger *diag.Logger, progress *diag.Progress, st *Stats) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(set.Concurrency)
	outCh := make(chan result, set.Concurrency*2)
	waitCh := make(chan error, 1)

	go func() {
		for i, rec := range recs {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				reqID := string(fid) + "#" + strconv.FormatInt(int64(rec.Index), 10)
				res, err := comp.Labeler.Label(gctx, pipeline.Request{
					Text: rec.Text, Policy: set.Policy, CameraHint: set.CameraHint, RequestID: reqID,
				})
				outCh <- result{idx: i, item: contract.Labeled{Record: rec, Result: res, Err: err}}
				if err != nil && (set.FailFast || errors.Is(err, context.Canceled)) {
					return fmt.Errorf("record %d: %w", rec.Index, err)
				}
				return nil
			})
		}
		waitCh <- g.Wait()
		close(outCh)
	}()

	gate := newOrderedGate()
	var firstErr error
	for r := range outCh {
		if r.item.Err != nil {
			st.Failed++
		} else {
			st.Labeled++
		}
		progress.Record(r.item.Err == nil)
		if firstErr != nil {
			continue
		}
		for _, item := range gate.push(r.idx, r.item) {
			if err := emit(ctx, comp.Assembler, fid, []contract.Labeled{item}, pw, logger); err != nil {
				firstErr = err
				cancel()
				break
			}
		}
	}
	werr := <-waitCh
	if firstErr != nil {
		return firstErr
	}
	if werr != nil {
		return werr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if gate.pending() > 0 || gate.next != len(recs) {
		return fmt.Errorf("%w: ordered gate stalled at %d/%d", contract.ErrInvariantViolation, gate.next, len(recs))
	}
	return nil
}

// emit 装配一段结果并拷贝进写出管道。
func emit(ctx context.Context, asm contract.Assembler, fid contract.FileID, items []contract.Labeled, w io.Writer, logger *diag.Logger) error {
	attempt := ""
	if len(items) > 0 {
		attempt = strconv.FormatInt(int64(items[0].Record.Index), 10)
	}
	atimer := logger.StartWith("assembler", "assemble", string(fid), attempt)
	rd, err := asm.Assemble(ctx, fid, items)
	if err != nil {
		fail(logger, "assembler", "assemble failed", string(fid), err)
		return fmt.Errorf("assembler assemble: %w", err)
	}
	atimer.Finish("assemble", int64(len(items)))
	diag.IncOp("assembler", "finish", "success")
	if _, err := io.Copy(w, rd); err != nil {
		return fmt.Errorf("pipe copy: %w", err)
	}
	return nil
}

// orderedGate: 按提交序号连续冲刷的暂存区。
type orderedGate struct {
	next int
	buf  map[int]contract.Labeled
}

func newOrderedGate() *orderedGate { return &orderedGate{buf: make(map[int]contract.Labeled)} }

// push 暂存一项并返回自 next 起连续可冲刷的结果。
func (g *orderedGate) push(idx int, item contract.Labeled) []contract.Labeled {
	g.buf[idx] = item
	var out []contract.Labeled
	for {
		it, ok := g.buf[g.next]
		if !ok {
			return out
		}
		out = append(out, it)
		delete(g.buf, g.next)
		g.next++
	}
}

func (g *orderedGate) pending() int { return len(g.buf) }

func fail(logger *diag.Logger, comp, msg, fid string, err error) {
	code := diag.Classify(err)
	logger.ErrorWith(comp, string(code), msg, nil, fid, "")
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func sanity(c Components, s *Settings) error {
	if c.Reader == nil || c.Splitter == nil || c.Labeler == nil || c.Assembler == nil || c.Writer == nil {
		return fmt.Errorf("%w: batch: missing components", contract.ErrInvalidInput)
	}
	if len(s.Inputs) == 0 {
		return fmt.Errorf("%w: batch: empty inputs", contract.ErrInvalidInput)
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	return s.Policy.Validate()
}
