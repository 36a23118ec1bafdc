package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"spanlabel/internal/pipeline"
	"spanlabel/pkg/contract"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

// 通用桩件 ----------------------------------------------------

type stubReader struct{ files map[contract.FileID]string }

func (s stubReader) Iterate(ctx context.Context, roots []string, yield func(contract.FileID, io.ReadCloser) error) error {
	for _, r := range roots {
		fid := contract.FileID(r)
		if err := yield(fid, io.NopCloser(strings.NewReader(s.files[fid]))); err != nil {
			return err
		}
	}
	return nil
}

// lineSplitter: 每行一条记录，空内容得到零条。
type lineSplitter struct{}

func (lineSplitter) Split(ctx context.Context, fid contract.FileID, r io.Reader) ([]contract.Record, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var out []contract.Record
	for _, ln := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		out = append(out, contract.Record{Index: contract.Index(len(out)), FileID: fid, Text: ln})
	}
	return out, nil
}

// fakeLabeler: 记录越靠前延迟越长，以制造乱序完成。
type fakeLabeler struct {
	delay    func(text string) time.Duration
	failOn   string
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeLabeler) Label(ctx context.Context, req pipeline.Request) (contract.LabelResult, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay != nil {
		select {
		case <-ctx.Done():
			return contract.LabelResult{}, contract.NewLabelError(ctx.Err())
		case <-time.After(f.delay(req.Text)):
		}
	}
	if req.Text == f.failOn {
		return contract.LabelResult{}, contract.NewLabelError(fmt.Errorf("%w: boom", contract.ErrRepairExhausted))
	}
	return contract.LabelResult{Spans: []contract.Span{{Start: 0, End: len(req.Text), Role: "subject", Text: req.Text}}}, nil
}

type lineAssembler struct{}

func (lineAssembler) Assemble(ctx context.Context, fid contract.FileID, items []contract.Labeled) (io.Reader, error) {
	var sb strings.Builder
	for _, it := range items {
		if it.Err != nil {
			fmt.Fprintf(&sb, "%d:ERR\n", it.Record.Index)
			continue
		}
		fmt.Fprintf(&sb, "%d:%s\n", it.Record.Index, it.Record.Text)
	}
	return strings.NewReader(sb.String()), nil
}

type memWriter struct {
	mu   sync.Mutex
	out  map[contract.ArtifactID]string
	fail error
}

func (w *memWriter) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if w.fail != nil {
		return w.fail
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		w.out = map[contract.ArtifactID]string{}
	}
	w.out[id] = string(b)
	return nil
}

func components(files map[contract.FileID]string, l Labeler, w *memWriter) Components {
	return Components{Reader: stubReader{files: files}, Splitter: lineSplitter{}, Labeler: l, Assembler: lineAssembler{}, Writer: w}
}

// ------------------------------------------------------------

func TestRunPreservesInputOrder(t *testing.T) {
	lines := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	l := &fakeLabeler{delay: func(s string) time.Duration { return time.Duration(7-len(s)) * 5 * time.Millisecond }}
	w := &memWriter{}
	files := map[contract.FileID]string{"f1": strings.Join(lines, "\n")}

	st, err := Run(context.Background(), components(files, l, w), Settings{Inputs: []string{"f1"}, Concurrency: 4}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 1, Records: 6, Labeled: 6}, st)
	assert.Equal(t, "0:a\n1:bb\n2:ccc\n3:dddd\n4:eeeee\n5:ffffff\n", w.out["f1"])
	assert.LessOrEqual(t, l.peak.Load(), int32(4))
}

func TestRunHonoursConcurrencyLimit(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	l := &fakeLabeler{delay: func(string) time.Duration { return 5 * time.Millisecond }}
	w := &memWriter{}
	_, err := Run(context.Background(), components(map[contract.FileID]string{"f": sb.String()}, l, w), Settings{Inputs: []string{"f"}, Concurrency: 2}, nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, l.peak.Load(), int32(2))
	assert.Equal(t, 20, strings.Count(w.out["f"], "\n"))
}

func TestRunRecordFailureDoesNotAbort(t *testing.T) {
	l := &fakeLabeler{failOn: "bad"}
	w := &memWriter{}
	files := map[contract.FileID]string{"f1": "good\nbad\nfine", "f2": "other"}

	st, err := Run(context.Background(), components(files, l, w), Settings{Inputs: []string{"f1", "f2"}, Concurrency: 3}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 2, Records: 4, Labeled: 3, Failed: 1}, st)
	assert.Equal(t, "0:good\n1:ERR\n2:fine\n", w.out["f1"])
	assert.Equal(t, "0:other\n", w.out["f2"])
}

func TestRunFailFast(t *testing.T) {
	l := &fakeLabeler{failOn: "bad", delay: func(s string) time.Duration {
		if s == "bad" {
			return 0
		}
		return 50 * time.Millisecond
	}}
	w := &memWriter{}
	files := map[contract.FileID]string{"f": "slow1\nbad\nslow2\nslow3"}

	_, err := Run(context.Background(), components(files, l, w), Settings{Inputs: []string{"f"}, Concurrency: 4, FailFast: true}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrRepairExhausted)
}

func TestRunEmptyFileWritesEmptyArtifact(t *testing.T) {
	w := &memWriter{}
	st, err := Run(context.Background(), components(map[contract.FileID]string{"empty": "\n\n"}, &fakeLabeler{}, w), Settings{Inputs: []string{"empty"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 1}, st)
	v, ok := w.out["empty"]
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestRunWriterError(t *testing.T) {
	boom := errors.New("disk full")
	w := &memWriter{fail: boom}
	_, err := Run(context.Background(), components(map[contract.FileID]string{"f": "a\nb"}, &fakeLabeler{}, w), Settings{Inputs: []string{"f"}, Concurrency: 2}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunCanceled(t *testing.T) {
	l := &fakeLabeler{delay: func(string) time.Duration { return time.Second }}
	w := &memWriter{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, components(map[contract.FileID]string{"f": "a\nb\nc"}, l, w), Settings{Inputs: []string{"f"}, Concurrency: 3}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunSanity(t *testing.T) {
	_, err := Run(context.Background(), Components{}, Settings{Inputs: []string{"x"}}, nil, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	c := components(nil, &fakeLabeler{}, &memWriter{})
	_, err = Run(context.Background(), c, Settings{}, nil, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = Run(context.Background(), c, Settings{Inputs: []string{"x"}, Policy: contract.ValidationPolicy{MaxSpans: -1}}, nil, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestOrderedGate(t *testing.T) {
	g := newOrderedGate()
	item := func(i int) contract.Labeled { return contract.Labeled{Record: contract.Record{Index: contract.Index(i)}} }

	assert.Empty(t, g.push(2, item(2)))
	assert.Empty(t, g.push(1, item(1)))
	out := g.push(0, item(0))
	require.Len(t, out, 3)
	for i, it := range out {
		assert.Equal(t, contract.Index(i), it.Record.Index)
	}
	assert.Zero(t, g.pending())
	assert.Len(t, g.push(3, item(3)), 1)
	assert.Equal(t, 4, g.next)
}
