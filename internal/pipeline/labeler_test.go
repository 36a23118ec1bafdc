package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"spanlabel/internal/cache"
	"spanlabel/internal/critic"
	"spanlabel/internal/fastpath"
	"spanlabel/internal/frame"
	"spanlabel/internal/generate"
	"spanlabel/pkg/contract"
	"spanlabel/plugins/decoder/spanjson"
	"spanlabel/plugins/llmclient/mock"
	"spanlabel/plugins/prompt/label"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type fixture struct {
	llm     *mock.Client
	labeler *Labeler
}

type fixtureOpts struct {
	mock     string
	fastPath bool
	critic   critic.Options
	llm      contract.LLMClient
}

func newFixture(t *testing.T, o fixtureOpts) fixture {
	t.Helper()
	m, err := mock.NewClient(json.RawMessage(o.mock))
	require.NoError(t, err)
	var llm contract.LLMClient = m
	if o.llm != nil {
		llm = o.llm
	}
	pb, err := label.New(nil)
	require.NoError(t, err)
	dec, err := spanjson.New(nil)
	require.NoError(t, err)
	gen, err := generate.New(generate.Deps{LLM: llm, Prompt: pb, Decoder: dec, Provider: "mock"}, generate.Options{}, nil)
	require.NoError(t, err)
	frames, err := frame.New(frame.DefaultFrames())
	require.NoError(t, err)
	cr, err := critic.New(frames, o.critic, nil)
	require.NoError(t, err)
	ca, err := cache.New(cache.Options{}, nil, nil)
	require.NoError(t, err)
	comp := Components{Generator: gen, Critic: cr, Cache: ca}
	if o.fastPath {
		comp.FastPath = fastpath.New(frames, fastpath.DefaultDictionary(), nil, fastpath.Options{Version: "fp-v1"}, nil)
	}
	l, err := New(comp, Settings{Version: "t1"}, nil)
	require.NoError(t, err)
	return fixture{llm: m, labeler: l}
}

func script(entries ...string) string {
	b, _ := json.Marshal(map[string]any{"response_mode": "script", "script": entries})
	return string(b)
}

func labelErr(t *testing.T, err error) *contract.LabelError {
	t.Helper()
	var le *contract.LabelError
	require.ErrorAs(t, err, &le)
	return le
}

func TestLabelGenerationPath(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	text := "The camera pans left across the skyline at dusk"
	res, err := f.labeler.Label(context.Background(), Request{Text: text})
	require.NoError(t, err)
	require.Len(t, res.Spans, 3)
	for _, s := range res.Spans {
		assert.Equal(t, s.Text, text[s.Start:s.End])
		assert.Equal(t, contract.SourceLLM, s.Source)
	}
	assert.Equal(t, "mock-v1", res.Meta.Version)
	assert.Nil(t, res.Meta.NLPAttempted, "未配置快速路径")
	assert.Equal(t, 1, f.llm.Calls())
}

func TestLabelCacheTransparency(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	req := Request{Text: "A dog runs on the beach at golden hour"}
	first, err := f.labeler.Label(ctx, req)
	require.NoError(t, err)
	second, err := f.labeler.Label(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.llm.Calls())

	// 策略不同即不同键
	_, err = f.labeler.Label(ctx, Request{Text: req.Text, Policy: contract.ValidationPolicy{MaxSpans: 10}})
	require.NoError(t, err)
	assert.Equal(t, 2, f.llm.Calls())
}

// slowLLM 为内层 mock 增加固定延迟。
type slowLLM struct {
	*mock.Client
	delay time.Duration
}

func (s slowLLM) Complete(ctx context.Context, req contract.Request) (contract.Completion, error) {
	select {
	case <-ctx.Done():
		return contract.Completion{}, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Client.Complete(ctx, req)
}

func TestLabelCollapsesConcurrentMisses(t *testing.T) {
	inner, err := mock.NewClient(nil)
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{llm: slowLLM{Client: inner, delay: 50 * time.Millisecond}})
	var wg sync.WaitGroup
	results := make([]contract.LabelResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.labeler.Label(context.Background(), Request{Text: "A chef dances in the kitchen"})
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, inner.Calls())
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestLabelFastPathAccepted(t *testing.T) {
	f := newFixture(t, fixtureOpts{fastPath: true})
	res, err := f.labeler.Label(context.Background(), Request{Text: "A woman walks slowly through the forest at golden hour"})
	require.NoError(t, err)
	assert.Zero(t, f.llm.Calls())
	require.NotEmpty(t, res.Spans)
	assert.Equal(t, contract.SourceFastPath, res.Spans[0].Source)
	require.NotNil(t, res.Meta.NLPAttempted)
	assert.True(t, *res.Meta.NLPAttempted)
}

func TestLabelFastPathDeclinedFallsBack(t *testing.T) {
	f := newFixture(t, fixtureOpts{fastPath: true})
	res, err := f.labeler.Label(context.Background(), Request{Text: "A dog runs"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.llm.Calls(), "过短文本回退到生成")
	require.NotNil(t, res.Meta.NLPAttempted)
	assert.Equal(t, 0, *res.Meta.NLPSpansFound)
}

const noCamera = `{"spans":[{"text":"dog","role":"subject","start":-1,"confidence":0.9}],"meta":{"version":"t","notes":""},"isAdversarial":false}`

func TestRepairExhaustedAfterExactlyTwoCalls(t *testing.T) {
	f := newFixture(t, fixtureOpts{mock: script(noCamera)})
	_, err := f.labeler.Label(context.Background(), Request{
		Text:   "A dog runs on the beach",
		Policy: contract.ValidationPolicy{Required: []string{"camera"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrRepairExhausted)
	assert.Equal(t, contract.FailureUnlabelable, labelErr(t, err).Kind)
	assert.Equal(t, 2, f.llm.Calls())

	reqs := f.llm.Requests()
	assert.Contains(t, reqs[1].Messages[0].Content, "<validation_errors>")
	assert.Contains(t, reqs[1].Messages[0].Content, noCamera)
}

func TestRepairRecoversFromBadJSON(t *testing.T) {
	f := newFixture(t, fixtureOpts{mock: script("not json", "lexicon")})
	text := "A woman dances on the beach"
	res, err := f.labeler.Label(context.Background(), Request{Text: text})
	require.NoError(t, err)
	assert.Equal(t, 2, f.llm.Calls())
	require.NotEmpty(t, res.Spans)
	for _, s := range res.Spans {
		assert.Equal(t, contract.SourceRepaired, s.Source)
	}
	assert.Contains(t, f.llm.Requests()[1].Messages[0].Content, "<previous_response>\nnot json")
}

func TestRetryableErrorRegeneratesOnce(t *testing.T) {
	cases := []struct {
		name    string
		script  []string
		calls   int
		wantErr error
		kind    contract.FailureKind
	}{
		{"server then ok", []string{"error:server", "lexicon"}, 2, nil, ""},
		{"timeout then bad json", []string{"error:timeout", "not json"}, 2, contract.ErrRepairExhausted, contract.FailureUnlabelable},
		{"rate limited twice", []string{"error:rate_limited"}, 2, contract.ErrRateLimited, contract.FailureUnavailable},
		{"auth never retried", []string{"error:authentication"}, 1, contract.ErrAuthentication, contract.FailureUnavailable},
		{"invalid request never retried", []string{"error:invalid_request"}, 1, contract.ErrInvalidInput, contract.FailureUnlabelable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{mock: script(tc.script...)})
			_, err := f.labeler.Label(context.Background(), Request{Text: "A dog runs on the beach"})
			assert.Equal(t, tc.calls, f.llm.Calls())
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.kind, labelErr(t, err).Kind)
		})
	}
}

func TestCriticAutoCorrectsGeneratedSpans(t *testing.T) {
	resp := `{"spans":[{"text":"pans across the skyline","role":"action.run","start":-1,"confidence":0.9}],"meta":{"version":"t","notes":""}}`
	b, _ := json.Marshal(map[string]string{"response_mode": "fixed", "response": resp})
	f := newFixture(t, fixtureOpts{mock: string(b)})
	text := "The camera rises slowly and then pans across the skyline"
	res, err := f.labeler.Label(context.Background(), Request{Text: text})
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, "camera.movement", res.Spans[0].Role)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestUnresolvedCameraVerbDisposition(t *testing.T) {
	resp := `{"spans":[{"text":"pans across the plaza","role":"action.locomotion","start":-1,"confidence":0.9}],"meta":{"version":"t","notes":""}}`
	b, _ := json.Marshal(map[string]string{"response_mode": "fixed", "response": resp})
	text := "A skateboarder pans across the plaza"

	f := newFixture(t, fixtureOpts{mock: string(b)})
	res, err := f.labeler.Label(context.Background(), Request{Text: text})
	require.NoError(t, err)
	assert.Contains(t, res.Meta.Notes, "review: camera_action_confusion")

	f = newFixture(t, fixtureOpts{mock: string(b), critic: critic.Options{UnresolvedCameraVerb: critic.DispositionRepair}})
	_, err = f.labeler.Label(context.Background(), Request{Text: text})
	assert.ErrorIs(t, err, contract.ErrRepairExhausted)
	assert.Equal(t, 2, f.llm.Calls())
}

func TestLabelBoundaryValidation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.labeler.Label(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.Equal(t, contract.FailureUnlabelable, labelErr(t, err).Kind)

	_, err = f.labeler.Label(context.Background(), Request{Text: "x", Policy: contract.ValidationPolicy{Required: []string{"weather"}}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.Zero(t, f.llm.Calls())
}

// gateLLM 在 release 关闭前阻塞；首次进入时关闭 started。
type gateLLM struct {
	*mock.Client
	once    *sync.Once
	started chan struct{}
	release chan struct{}
}

func newGateLLM(t *testing.T) gateLLM {
	t.Helper()
	inner, err := mock.NewClient(nil)
	require.NoError(t, err)
	return gateLLM{Client: inner, once: new(sync.Once), started: make(chan struct{}), release: make(chan struct{})}
}

func (g gateLLM) Complete(ctx context.Context, req contract.Request) (contract.Completion, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-ctx.Done():
		return contract.Completion{}, ctx.Err()
	case <-g.release:
	}
	return g.Client.Complete(ctx, req)
}

func TestLabelCanceled(t *testing.T) {
	llm := newGateLLM(t)
	f := newFixture(t, fixtureOpts{llm: llm})
	req := Request{Text: "A dog runs on the beach"}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.labeler.Label(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, contract.FailureUnavailable, labelErr(t, err).Kind)
	assert.Zero(t, llm.Calls())

	// 调用方放弃等待后计算仍完成并写回缓存
	close(llm.release)
	require.Eventually(t, func() bool {
		_, ok := f.labeler.comp.Cache.Get(context.Background(), f.labeler.Key(req))
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, llm.Calls())
}

// 首个调用方取消不得波及共享同一计算的其他调用方。
func TestLabelSharedComputationSurvivesLeaderCancel(t *testing.T) {
	llm := newGateLLM(t)
	f := newFixture(t, fixtureOpts{llm: llm})
	req := Request{Text: "A chef dances in the kitchen"}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := f.labeler.Label(ctxA, req)
		errA <- err
	}()
	<-llm.started

	type outcome struct {
		res contract.LabelResult
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		r, err := f.labeler.Label(context.Background(), req)
		doneB <- outcome{r, err}
	}()

	cancelA()
	err := <-errA
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, contract.FailureUnavailable, labelErr(t, err).Kind)

	close(llm.release)
	b := <-doneB
	require.NoError(t, b.err, "后加入的调用方不受首个调用方取消影响")
	assert.NotEmpty(t, b.res.Spans)
	assert.Equal(t, 1, llm.Calls())
}

func TestNewRequiresGenerator(t *testing.T) {
	_, err := New(Components{}, Settings{}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
