package critic

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanlabel/internal/diag"
	"spanlabel/pkg/contract"
)

func newCritic(t *testing.T, opts Options) *Critic {
	t.Helper()
	c, err := New(nil, opts, nil)
	require.NoError(t, err)
	return c
}

func spanOf(text, sub, role string) contract.Span {
	i := strings.Index(text, sub)
	if i < 0 {
		panic("substring not in text: " + sub)
	}
	return contract.Span{Start: i, End: i + len(sub), Text: sub, Role: role, Confidence: 0.9}
}

func TestCameraConfusionAutoCorrect(t *testing.T) {
	// "camera" 位于 span 之前 40 字节内
	text := "The camera rises over the rooftops and pans across the skyline"
	c := newCritic(t, Options{})
	before := testutil.ToFloat64(diag.CriticIssues.WithLabelValues(RuleCameraActionConfusion, string(SeverityHigh)))

	rep := c.Critique(text, []contract.Span{spanOf(text, "pans across the skyline", "action.run")})
	require.True(t, rep.OK)
	require.Len(t, rep.Corrections, 1)
	assert.Equal(t, Correction{Rule: RuleCameraActionConfusion, Text: "pans across the skyline", From: "action.run", To: "camera.movement"}, rep.Corrections[0])
	assert.Equal(t, "camera.movement", rep.Spans[0].Role)
	assert.Empty(t, rep.Warnings)
	assert.Equal(t, before+1, testutil.ToFloat64(diag.CriticIssues.WithLabelValues(RuleCameraActionConfusion, string(SeverityHigh))))
}

func TestCameraConfusionWithoutContext(t *testing.T) {
	text := "A skateboarder pans across the plaza"
	sp := []contract.Span{spanOf(text, "pans across the plaza", "action.locomotion")}

	rep := newCritic(t, Options{}).Critique(text, sp)
	assert.True(t, rep.OK, "默认 review：仅告警")
	require.Len(t, rep.Warnings, 1)
	assert.Equal(t, SeverityMedium, rep.Warnings[0].Severity)
	assert.False(t, rep.Warnings[0].AutoCorrect)
	assert.Equal(t, "action.locomotion", rep.Spans[0].Role)
	require.Len(t, rep.Notes(), 1)
	assert.True(t, strings.HasPrefix(rep.Notes()[0], "review: camera_action_confusion"))

	rep = newCritic(t, Options{UnresolvedCameraVerb: DispositionRepair}).Critique(text, sp)
	assert.False(t, rep.OK)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.ErrorStrings()[0], RuleCameraActionConfusion)
}

func TestCameraWindowBoundary(t *testing.T) {
	pad := strings.Repeat("x", 120)
	text := "camera " + pad + " dolly in"
	sp := []contract.Span{spanOf(text, "dolly in", "action.motion")}
	rep := newCritic(t, Options{}).Critique(text, sp)
	assert.Empty(t, rep.Corrections, "超出 100 字节窗口")
	assert.Len(t, rep.Warnings, 1)

	rep = newCritic(t, Options{CameraWindow: 200}).Critique(text, sp)
	assert.Len(t, rep.Corrections, 1)
}

func TestInflectedCameraVerbs(t *testing.T) {
	c := newCritic(t, Options{})
	for _, w := range []string{"pan", "pans", "panning", "panned", "dollies", "zoomed", "tilting", "orbits", "crane shot"} {
		assert.True(t, c.cameraVerb.MatchString(w), w)
	}
	for _, w := range []string{"frying", "company", "panther", "walks"} {
		assert.False(t, c.cameraVerb.MatchString(w), w)
	}
}

func TestOneClipOneAction(t *testing.T) {
	text := "A dog runs to the door and then jumps onto the couch"
	sp := []contract.Span{
		spanOf(text, "dog", "subject"),
		spanOf(text, "runs to the door", "action.locomotion"),
		spanOf(text, "and then jumps", "action.locomotion"),
	}
	rep := newCritic(t, Options{}).Critique(text, sp)
	assert.False(t, rep.OK)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, RuleOneClipOneAction, rep.Errors[0].Rule)
	assert.False(t, rep.Errors[0].AutoCorrect)
	assert.Empty(t, rep.Corrections)

	// 单个动作即使含标记也不触发
	rep = newCritic(t, Options{}).Critique(text, sp[2:])
	assert.True(t, rep.OK)
}

func TestTaxonomyMisalignment(t *testing.T) {
	text := "Shot on 35mm film at golden hour"
	sp := []contract.Span{
		spanOf(text, "35mm film", "style.aesthetic"),
		spanOf(text, "golden hour", "lighting.source"),
	}
	rep := newCritic(t, Options{}).Critique(text, sp)
	require.True(t, rep.OK)
	want := []Correction{
		{Rule: RuleTaxonomyMisalignment, Text: "35mm film", From: "style.aesthetic", To: "style.filmStock"},
		{Rule: RuleTaxonomyMisalignment, Text: "golden hour", From: "lighting.source", To: "lighting.timeOfDay"},
	}
	if diff := cmp.Diff(want, rep.Corrections); diff != "" {
		t.Fatalf("修正不符 (-want +got):\n%s", diff)
	}
	assert.Equal(t, "style.filmStock", rep.Spans[0].Role)
	assert.Equal(t, "style.aesthetic", sp[0].Role, "输入不被修改")
}

func TestAutoCorrectDisabled(t *testing.T) {
	off := false
	text := "Shot on 35mm film"
	rep := newCritic(t, Options{AutoCorrect: &off}).Critique(text, []contract.Span{spanOf(text, "35mm film", "style.aesthetic")})
	assert.False(t, rep.OK)
	assert.Empty(t, rep.Corrections)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "style.aesthetic", rep.Spans[0].Role)
}

func TestCritiqueIdempotent(t *testing.T) {
	text := "The camera tilts up, then pans across the skyline at dusk on Kodak Portra"
	sp := []contract.Span{
		spanOf(text, "tilts up", "action.motion"),
		spanOf(text, "pans across the skyline", "action.run"),
		spanOf(text, "dusk", "lighting.source"),
		spanOf(text, "Kodak Portra", "style.aesthetic"),
	}
	c := newCritic(t, Options{})
	first := c.Critique(text, sp)
	require.Len(t, first.Corrections, 4)
	require.Len(t, first.Spans, len(sp), "不增删 span")

	second := c.Critique(text, first.Spans)
	assert.Empty(t, second.Corrections)
	assert.Empty(t, cmp.Diff(first.Spans, second.Spans))
	assert.True(t, second.OK)
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(nil, Options{UnresolvedCameraVerb: "ignore"}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(nil, Options{CameraWindow: -1}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
