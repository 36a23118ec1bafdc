package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"spanlabel/pkg/contract"
)

func TestMakeEstimatorDefault(t *testing.T) {
	est := MakeEstimator(0)
	assert.Equal(t, 2, est("abcdef"), "6 字节应估为 2 token")
	assert.Equal(t, 0, est(""))
	assert.Equal(t, 3, MakeEstimator(1)("abc"))
}

type stubPB struct{ overhead int }

func (m *stubPB) Build(context.Context, contract.Task) (contract.Request, error) {
	return contract.Request{}, nil
}

func (m *stubPB) EstimateOverheadTokens(contract.TokenEstimator) int { return m.overhead }

func TestEffectiveMaxTokens(t *testing.T) {
	cases := []struct {
		name     string
		overhead int
		max      int
		wantEff  int
		wantOver int
	}{
		{"zero budget", 0, 0, 0, 0},
		{"overhead", 5, 10, 5, 5},
		{"overhead exceeds", 50, 10, 0, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eff, over := EffectiveMaxTokens(&stubPB{overhead: tc.overhead}, 4, tc.max)
			assert.Equal(t, tc.wantEff, eff)
			assert.Equal(t, tc.wantOver, over)
		})
	}
}

func TestSplitBudget(t *testing.T) {
	r, s := SplitBudget(1000, 0.6)
	assert.Equal(t, 600, r)
	assert.Equal(t, 400, s)

	r, s = SplitBudget(1000, 0)
	assert.Equal(t, 600, r, "非法比例回落到 0.6")
	assert.Equal(t, 400, s)

	r, s = SplitBudget(2, 0.99)
	assert.Equal(t, 1, r)
	assert.Equal(t, 1, s)

	r, s = SplitBudget(0, 0.6)
	assert.Zero(t, r)
	assert.Zero(t, s)
}
