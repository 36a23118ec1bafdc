package resolve

import (
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanlabel/internal/diag"
	"spanlabel/pkg/contract"
)

const sample = "The golden hour light cast long shadows while the camera pans left across the café, then pans right."

// UT-RES-01: 任意精确子串都能往返
func TestExactRoundTrip(t *testing.T) {
	r := New(nil)
	var bounds []int
	for i := range sample {
		bounds = append(bounds, i)
	}
	bounds = append(bounds, len(sample))
	for a := 0; a < len(bounds); a += 3 {
		for b := a + 1; b < len(bounds); b += 5 {
			sub := sample[bounds[a]:bounds[b]]
			m, ok := r.FindBestMatch(sample, sub, bounds[a])
			require.True(t, ok, "子串 %q 应能定位", sub)
			require.Equal(t, sub, sample[m.Start:m.End])
			require.Equal(t, contract.MatchExact, m.Kind)
		}
	}
}

// UT-RES-02: 缓存透明（共享实例与全新实例结果一致）
func TestCacheTransparency(t *testing.T) {
	shared := New(nil)
	subs := []string{"pans", "the", "an", "Café", "long shadow", "PANS LEFT", "cafe", "zzz", "e"}
	for round := 0; round < 2; round++ {
		for i, sub := range subs {
			hint := i * 10
			got, okA := shared.FindBestMatch(sample, sub, hint)
			want, okB := New(nil).FindBestMatch(sample, sub, hint)
			require.Equal(t, okB, okA, sub)
			assert.Equal(t, want, got, sub)
		}
	}
	// 切换文本后缓存失效
	m, ok := shared.FindBestMatch("pans only", "pans", 0)
	require.True(t, ok)
	assert.Equal(t, 0, m.Start)
}

// UT-RES-03: preferredStart 选择最近的出现；等距取较早者
func TestPreferredStart(t *testing.T) {
	r := New(nil)
	text := "xx pan yy pan"
	m, ok := r.FindBestMatch(text, "pan", 9)
	require.True(t, ok)
	assert.Equal(t, 10, m.Start)
	m, _ = r.FindBestMatch(text, "pan", 0)
	assert.Equal(t, 3, m.Start)
	m, _ = r.FindBestMatch(text, "pan", 100)
	assert.Equal(t, 10, m.Start)

	m, _ = r.FindBestMatch("pan pan", "pan", 2)
	assert.Equal(t, 0, m.Start, "等距时取较早出现")
}

// 场景：唯一出现直接返回
func TestSingleOccurrenceScenario(t *testing.T) {
	text := "The golden hour light cast long shadows"
	m, ok := New(nil).FindBestMatch(text, "long shadows", 0)
	require.True(t, ok)
	assert.Equal(t, contract.MatchResult{Start: 27, End: 39, Kind: contract.MatchExact}, m)
}

func TestCaseInsensitive(t *testing.T) {
	r := New(nil)
	m, ok := r.FindBestMatch(sample, "GOLDEN HOUR", 0)
	require.True(t, ok)
	assert.Equal(t, contract.MatchCaseInsensitive, m.Kind)
	assert.Equal(t, "golden hour", sample[m.Start:m.End])
	assert.Equal(t, 1, r.Stats().CaseInsensitive)
}

func TestFuzzy(t *testing.T) {
	before := testutil.ToFloat64(diag.MatchTotal.WithLabelValues("fuzzy"))
	cases := []struct {
		text, sub, want string
	}{
		{"She wears a “vintage” leather jacket", "vintage leather jacket", "vintage” leather jacket"},
		{"a quiet café scene at dusk", "cafe scene", "café scene"},
		{"The golden hour light cast long shadows", "lnog shadows", "long shadows"},
		{"**Neon** signs flicker in the rain", "neon signs", "Neon** signs"},
		{"A    dog\n\truns", "a dog runs", "A    dog\n\truns"},
	}
	for _, c := range cases {
		r := New(nil)
		m, ok := r.FindBestMatch(c.text, c.sub, 0)
		require.True(t, ok, c.sub)
		assert.Equal(t, contract.MatchFuzzy, m.Kind, c.sub)
		assert.Equal(t, c.want, c.text[m.Start:m.End], c.sub)
		assert.True(t, utf8.ValidString(c.text[m.Start:m.End]))
	}
	assert.Equal(t, before+float64(len(cases)), testutil.ToFloat64(diag.MatchTotal.WithLabelValues("fuzzy")))
}

// 每个请求各自持有 Resolver；并发模糊匹配不得共享归一化状态（配合 -race 运行）。
func TestFuzzyConcurrentResolvers(t *testing.T) {
	text := "The golden hour light cast long shadows"
	var wg sync.WaitGroup
	got := make([]string, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := New(nil)
			for range 50 {
				m, ok := r.FindBestMatch(text, "lnog shadows", 0)
				if !ok || m.Kind != contract.MatchFuzzy {
					return
				}
				got[i] = text[m.Start:m.End]
			}
		}()
	}
	wg.Wait()
	for i, g := range got {
		assert.Equal(t, "long shadows", g, "goroutine %d", i)
	}
}

func TestFailureAndClear(t *testing.T) {
	r := New(diag.Nop())
	_, ok := r.FindBestMatch(sample, "submarine periscope", 0)
	assert.False(t, ok)
	_, ok = r.FindBestMatch(sample, "", 0)
	assert.False(t, ok)
	_, ok = r.FindBestMatch("", "x", 0)
	assert.False(t, ok)
	assert.Equal(t, 3, r.Stats().Failure)

	r.FindBestMatch(sample, "pans", 0)
	require.NotEmpty(t, r.occ)
	r.Clear()
	assert.Empty(t, r.occ)
	assert.Nil(t, r.norm)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 0, Levenshtein("", ""))
	assert.Equal(t, 4, Levenshtein("", "pans"))
	assert.Equal(t, "cafe au lait", normalizeString("  Café  \"au\"  LAIT "))

	n := normalizeWithOffsets("  Ça va ")
	assert.Equal(t, "ca va", string(n.runes))
	assert.Equal(t, 2, n.start[0])

	l, d := bestPrefix([]rune("pan"), []rune("pans left"))
	assert.Equal(t, 3, l)
	assert.Zero(t, d)

	assert.Equal(t, []int{0, 1, 2}, candidates([]rune("abc"), []rune("xyz")))
}
