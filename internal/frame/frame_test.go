package frame

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefault(t *testing.T) *Disambiguator {
	t.Helper()
	d, err := New(DefaultFrames())
	require.NoError(t, err)
	return d
}

// UT-FRAME-01: 歧义词需要正向信号
func TestEvokesFrameAmbiguous(t *testing.T) {
	d := newDefault(t)

	cat, ok := d.EvokesFrame("pan", Context{LikelyCameraContext: true})
	require.True(t, ok, "pan left slowly 在镜头提示下应命中机位框架")
	assert.Equal(t, "camera.movement", cat)

	_, ok = d.EvokesFrame("pan", Context{})
	assert.False(t, ok, "golden frying pan 无信号不得命中")

	cat, ok = d.EvokesFrame("Pans", Context{DirectionalWord: "left"})
	require.True(t, ok)
	assert.Equal(t, "camera.movement", cat)

	_, ok = d.EvokesFrame("dolly", Context{DirectionalWord: "slowly"})
	assert.False(t, ok, "非方向词不是信号")

	_, ok = d.EvokesFrame("crane", Context{HasCameraKeyword: true})
	assert.True(t, ok)
}

// UT-FRAME-02: 仅属机位的词条无条件命中
func TestEvokesFrameUnconditional(t *testing.T) {
	d := newDefault(t)
	for _, term := range []string{"tilt", "tilts", "pedestal", "rack focus", "Rack  Focus", "tilting"} {
		cat, ok := d.EvokesFrame(term, Context{})
		require.True(t, ok, term)
		assert.Contains(t, cat, "camera.", term)
	}
	_, ok := d.EvokesFrame("spatula", Context{LikelyCameraContext: true})
	assert.False(t, ok, "未知词返回 false")
	_, ok = d.EvokesFrame("", Context{LikelyCameraContext: true})
	assert.False(t, ok)
}

func TestDisambiguateFallsBackToMotion(t *testing.T) {
	d := newDefault(t)

	ev, ok := d.Disambiguate("rolls", Context{})
	require.True(t, ok)
	assert.Equal(t, "Motion", ev.Frame)
	assert.Equal(t, "action.locomotion", ev.Category)
	assert.Equal(t, TierMotion, ev.Tier)

	ev, ok = d.Disambiguate("rolls", Context{HasCameraKeyword: true})
	require.True(t, ok)
	assert.Equal(t, "Cinematography", ev.Frame)
	assert.Equal(t, TierConditional, ev.Tier)

	ev, ok = d.Disambiguate("tilted", Context{})
	require.True(t, ok)
	assert.Equal(t, TierUnconditional, ev.Tier)
	assert.Equal(t, "tilt", ev.Lemma)

	_, ok = d.Disambiguate("pan", Context{})
	assert.False(t, ok, "pan 不属于主体运动")

	cat, ok := d.MotionCategory("walking")
	require.True(t, ok)
	assert.Equal(t, "action.locomotion", cat)
}

func TestLemmaCandidates(t *testing.T) {
	cases := map[string]string{
		"panning":  "pan",
		"panned":   "pan",
		"dollies":  "dolly",
		"dollying": "dolly",
		"cranes":   "crane",
		"craning":  "crane",
		"trucks":   "truck",
		"zooms":    "zoom",
	}
	for in, want := range cases {
		assert.Contains(t, lemmaCandidates(in), want, in)
	}
	assert.Equal(t, []string{"rack focus"}, lemmaCandidates("rack focus")[:1])
	assert.Nil(t, lemmaCandidates(""))
}

func TestHelpers(t *testing.T) {
	d := newDefault(t)
	assert.True(t, d.IsDirection("Left"))
	assert.False(t, d.IsDirection(""))
	assert.True(t, d.IsAmbiguous("panning"))
	assert.False(t, d.IsAmbiguous("tilt"))
	assert.Contains(t, d.CameraTerms("camera.movement"), "pan")
	role, ok := d.ElementRole("Cinematography", "Direction")
	require.True(t, ok)
	assert.Equal(t, "camera.movement", role)
	_, ok = d.ElementRole("Nope", "Direction")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, d.MaxPhraseWords(), 2)
}

// UT-FRAME-03: 注入合成词表
func TestSyntheticFramesAndValidation(t *testing.T) {
	fs := FrameSet{
		Cinematography: Frame{
			Name:         "Cam",
			LexicalUnits: map[string][]string{"camera.movement": {"swoop"}},
			Ambiguous:    []string{"swoop"},
			Directions:   []string{"down"},
		},
		Motion: Frame{Name: "Mot", LexicalUnits: map[string][]string{"action": {"swoop"}}},
	}
	d, err := New(fs)
	require.NoError(t, err)
	ev, ok := d.Disambiguate("swoops", Context{DirectionalWord: "down"})
	require.True(t, ok)
	assert.Equal(t, "Cam", ev.Frame)
	ev, ok = d.Disambiguate("swoops", Context{})
	require.True(t, ok)
	assert.Equal(t, "Mot", ev.Frame)

	bad := fs
	bad.Cinematography.Ambiguous = []string{"pan"}
	_, err = New(bad)
	assert.Error(t, err)

	bad = fs
	bad.Motion = Frame{Name: "Mot", LexicalUnits: map[string][]string{"Bad Role": {"x"}}}
	_, err = New(bad)
	assert.Error(t, err)

	_, err = New(FrameSet{})
	assert.Error(t, err)
}

func TestLoadFrames(t *testing.T) {
	src := `
cinematography:
  name: Cam
  lexical_units:
    camera.movement: [pan, tilt]
  ambiguous: [pan]
  directions: [left]
motion:
  name: Mot
  lexical_units:
    action.locomotion: [walk]
  elements:
    Theme: {required: true, maps_to: subject}
`
	fs, err := LoadFrames(strings.NewReader(src))
	require.NoError(t, err)
	d, err := New(fs)
	require.NoError(t, err)
	_, ok := d.EvokesFrame("pan", Context{DirectionalWord: "left"})
	assert.True(t, ok)

	_, err = LoadFrames(strings.NewReader("cinematography:\n  nmae: typo\n"))
	assert.Error(t, err, "未知字段应报错")

	d, err = LoadFile("")
	require.NoError(t, err)
	assert.NotNil(t, d)
}
