package pipeline

import (
	"fmt"

	"spanlabel/pkg/contract"
)

// State: 单次请求的校验/修复状态。
type State string

const (
	StateGenerated  State = "generated"
	StateValidating State = "validating"
	StatePassed     State = "passed"
	StateFailed     State = "failed"
	StateRepairing  State = "repairing"
	StateFatal      State = "fatal"
)

// Machine: 每请求一个，不跨请求共享。
// 合法迁移：Generated → Validating → {Passed | Failed}；Failed → Repairing（仅一次）| Fatal；
// Repairing → Validating。Passed 与 Fatal 为终态。
type Machine struct {
	state    State
	repaired bool
	history  []State
}

// NewMachine 返回处于 Generated 的状态机。
func NewMachine() *Machine {
	return &Machine{state: StateGenerated, history: []State{StateGenerated}}
}

// State 返回当前状态。
func (m *Machine) State() State { return m.state }

// History 返回迁移轨迹副本。
func (m *Machine) History() []State { return append([]State(nil), m.history...) }

// CanRepair 报告修复预算是否尚未用尽。
func (m *Machine) CanRepair() bool { return m.state == StateFailed && !m.repaired }

// To 执行迁移；非法迁移返回包裹 ErrInvariantViolation 的错误且状态不变。
func (m *Machine) To(next State) error {
	ok := false
	switch m.state {
	case StateGenerated:
		ok = next == StateValidating
	case StateValidating:
		ok = next == StatePassed || next == StateFailed
	case StateFailed:
		ok = next == StateFatal || (next == StateRepairing && !m.repaired)
	case StateRepairing:
		ok = next == StateValidating
	}
	if !ok {
		return fmt.Errorf("%w: state %s → %s", contract.ErrInvariantViolation, m.state, next)
	}
	if next == StateRepairing {
		m.repaired = true
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}
