package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"spanlabel/internal/diag"
	"spanlabel/internal/resolve"
	"spanlabel/pkg/contract"
)

// repairInput: 修复所需的原始上下文。
type repairInput struct {
	Text     string
	Policy   contract.ValidationPolicy
	Original string
	Errors   []string
}

// attemptRepair 携带原始回复与校验错误再调用一次生成，并重新落地、校验、审校。
// 约束：仅一次；仍失败即 ErrRepairExhausted（包裹剩余错误），不再发起第三次调用。
func (l *Labeler) attemptRepair(ctx context.Context, base repairInput, res *resolve.Resolver, sm *Machine, log *diag.Logger) (contract.LabelResult, error) {
	if err := sm.To(StateRepairing); err != nil {
		return contract.LabelResult{}, err
	}
	timer := log.StartWithKV("repair", "attempt", "", "2", map[string]string{"errors": fmt.Sprint(len(base.Errors))})
	att, err := l.comp.Generator.Repair(ctx, base.Text, base.Policy, base.Original, base.Errors)
	if err != nil {
		_ = sm.To(StateValidating)
		_ = sm.To(StateFailed)
		_ = sm.To(StateFatal)
		if errors.Is(err, contract.ErrSchemaInvalid) {
			return contract.LabelResult{}, exhausted([]string{err.Error()})
		}
		return contract.LabelResult{}, err
	}
	if err := sm.To(StateValidating); err != nil {
		return contract.LabelResult{}, err
	}
	out, errs := l.check(Request{Text: base.Text, Policy: base.Policy}, att, res, contract.SourceRepaired)
	if len(errs) > 0 {
		_ = sm.To(StateFailed)
		_ = sm.To(StateFatal)
		diag.IncOp("repair", "attempt", "exhausted")
		return contract.LabelResult{}, exhausted(errs)
	}
	_ = sm.To(StatePassed)
	timer.Finish("repaired", int64(len(out.Spans)))
	diag.IncOp("repair", "attempt", "ok")
	return out, nil
}

func exhausted(errs []string) error {
	return fmt.Errorf("%w (%w): %s", contract.ErrRepairExhausted, contract.ErrSemanticInvalid, strings.Join(errs, "; "))
}
