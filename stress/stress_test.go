package stress

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	cfgpkg "spanlabel/internal/config"
	"spanlabel/internal/diag"
	"spanlabel/internal/pipeline"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

var subjects = []string{"A dog", "A woman", "A chef", "A man"}
var scenes = []string{
	"runs on the beach at golden hour",
	"walks through the forest at dusk",
	"dances in the kitchen in a close-up",
	"walks along the skyline with long shadows",
}

// prompts 生成 n 条文本；同一文本重复出现以覆盖缓存与合并路径。
func prompts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s %s", subjects[i%len(subjects)], scenes[(i/len(subjects))%len(scenes)])
	}
	return out
}

func newRuntime(t *testing.T, cacheOn bool) *cfgpkg.Runtime {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Logging.Level = "error"
	cfg.Cache.Disabled = !cacheOn
	p := cfg.Provider["mock"]
	p.Limits.RPM, p.Limits.TPM = 0, 0
	cfg.Provider["mock"] = p
	require.NoError(t, cfgpkg.Validate(cfg))
	log := diag.NewLoggerIn(t.TempDir(), "stress", "error")
	t.Cleanup(func() { _ = log.Close() })
	rt, err := cfgpkg.Assemble(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// TestStress 在不同并发度下并发标注并记录延迟统计。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	levels := []int{1, 8, 16, 32, 64}
	texts := prompts(256)
	for _, conc := range levels {
		for _, cacheOn := range []bool{false, true} {
			t.Run(fmt.Sprintf("concurrency_%d_cache_%v", conc, cacheOn), func(t *testing.T) {
				rt := newRuntime(t, cacheOn)
				var (
					mu        sync.Mutex
					latencies = make([]time.Duration, 0, len(texts))
				)
				g, ctx := errgroup.WithContext(context.Background())
				g.SetLimit(conc)
				start := time.Now()
				for _, text := range texts {
					g.Go(func() error {
						t0 := time.Now()
						res, err := rt.Labeler.Label(ctx, pipeline.Request{Text: text})
						if err != nil {
							return fmt.Errorf("%q: %w", text, err)
						}
						for _, s := range res.Spans {
							if text[s.Start:s.End] != s.Text {
								return fmt.Errorf("%q: span %q misaligned", text, s.Text)
							}
						}
						d := time.Since(t0)
						mu.Lock()
						latencies = append(latencies, d)
						mu.Unlock()
						return nil
					})
				}
				require.NoError(t, g.Wait())
				total := time.Since(start)

				require.Len(t, latencies, len(texts))
				sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
				var sum time.Duration
				for _, d := range latencies {
					sum += d
				}
				avg := sum / time.Duration(len(latencies))
				idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
				p95 := latencies[max(idx, 0)]
				if rt.Cache != nil {
					require.LessOrEqual(t, rt.Cache.Len(), len(subjects)*len(scenes))
				}
				t.Logf("并发%d 缓存%v 总耗时%v 平均%v 95%%延迟%v", conc, cacheOn, total, avg, p95)
			})
		}
	}
}
