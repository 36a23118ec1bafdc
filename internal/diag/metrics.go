package diag

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Registry: 进程级指标注册表（不使用默认注册表，避免与宿主进程冲突）。
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	opTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spanlabel_ops_total",
		Help: "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spanlabel_errors_total",
		Help: "Errors by component and classified code.",
	}, []string{"comp", "code"})

	opDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spanlabel_op_duration_ms",
		Help:    "Stage duration in milliseconds.",
		Buckets: []float64{1, 5, 25, 100, 250, 1000, 2500, 10000, 30000},
	}, []string{"comp", "stage"})

	// MatchTotal: 定位器命中策略计数。
	MatchTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spanlabel_position_match_total",
		Help: "Position resolver outcomes by match kind.",
	}, []string{"kind"})

	// CacheTotal: 结果缓存访问计数。
	CacheTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spanlabel_cache_requests_total",
		Help: "Result cache lookups by tier and result.",
	}, []string{"tier", "result"})

	// CriticIssues: 审校问题计数。
	CriticIssues = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spanlabel_critic_issues_total",
		Help: "Critic findings by rule and severity.",
	}, []string{"rule", "severity"})

	// FastPathTotal: 快速路径结果（accepted 或放弃原因）。
	FastPathTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "spanlabel_fastpath_total",
		Help: "Fast-path extraction outcomes.",
	}, []string{"outcome"})
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// WriteMetrics 以文本暴露格式导出当前全部指标。
func WriteMetrics(w io.Writer) error {
	mfs, err := Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
