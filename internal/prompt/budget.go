package prompt

import "spanlabel/pkg/contract"

// MakeEstimator 返回近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// bytesPerToken<=0 时取 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 预扣固定提示开销后的有效输出预算。
// 返回 (effectiveMax, overheadTokens)；maxTokens<=0 时返回 (0,0)；开销超过预算时 effectiveMax 为 0。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	overhead := pb.EstimateOverheadTokens(MakeEstimator(bytesPerToken))
	eff := maxTokens - overhead
	if eff < 0 {
		eff = 0
	}
	return eff, overhead
}

// SplitBudget 按比例切分两段式预算：推理段取 share，结构化段取余下部分。
// 约束：1) share 超出 (0,1) 时取 0.6；2) 两段之和等于 total；3) total>=2 时两段均不为 0。
func SplitBudget(total int, share float64) (reason, structure int) {
	if total <= 0 {
		return 0, 0
	}
	if share <= 0 || share >= 1 {
		share = 0.6
	}
	reason = int(float64(total) * share)
	if reason < 1 && total >= 2 {
		reason = 1
	}
	structure = total - reason
	if structure < 1 && total >= 2 {
		structure = 1
		reason = total - 1
	}
	return reason, structure
}
