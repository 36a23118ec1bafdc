// Package pipeline 编排单次标注请求：缓存 → 快速路径 → 生成 → 校验/审校 → 修复 → 写回缓存。
// 请求内各步严格串行；并发仅来自调用方（批处理驱动或在线请求）。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"spanlabel/internal/cache"
	"spanlabel/internal/critic"
	"spanlabel/internal/diag"
	"spanlabel/internal/fastpath"
	"spanlabel/internal/generate"
	"spanlabel/internal/resolve"
	"spanlabel/pkg/contract"
)

// Components: Labeler 的协作者（显式注入，无全局单例）。
// FastPath 与 Cache 可为空；Validator 为空时使用 contract.PolicyValidator。
type Components struct {
	Generator *generate.Client
	FastPath  *fastpath.Extractor
	Validator contract.Validator
	Critic    *critic.Critic
	Cache     *cache.Cache
}

// Settings: 运行期参数。
type Settings struct {
	// Version: 模板版本；参与缓存键，模型未给出版本时写入 Meta.Version。
	Version  string
	CacheTTL time.Duration
}

// Request: 单次标注请求。
type Request struct {
	Text       string
	Policy     contract.ValidationPolicy
	CameraHint bool
	// RequestID: 日志关联 ID，可为空。
	RequestID string
}

// Labeler: 并发安全；每个请求自建 Resolver 与状态机。
type Labeler struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	group  singleflight.Group
}

// New 校验并装配 Labeler。
func New(comp Components, set Settings, logger *diag.Logger) (*Labeler, error) {
	if comp.Generator == nil {
		return nil, fmt.Errorf("pipeline: %w: generator required", contract.ErrInvalidInput)
	}
	if comp.Validator == nil {
		comp.Validator = contract.PolicyValidator{}
	}
	if comp.Critic == nil {
		c, err := critic.New(nil, critic.Options{}, logger)
		if err != nil {
			return nil, err
		}
		comp.Critic = c
	}
	if set.Version == "" {
		set.Version = "v1"
	}
	return &Labeler{comp: comp, set: set, logger: logger}, nil
}

// Key 返回请求对应的缓存键。
func (l *Labeler) Key(req Request) string {
	return cache.Key(req.Text, req.Policy, l.set.Version, l.comp.Generator.Provider())
}

// Label 执行一次标注。失败时返回 *contract.LabelError。
// 约束：
//  1. 入口校验文本与策略；
//  2. 缓存命中直接返回副本；
//  3. 相同键的并发未命中合并为一次计算；计算脱离任一调用方的取消，
//     各调用方只按自身 ctx 放弃等待；
//  4. 仅缓存通过校验的结果。
func (l *Labeler) Label(ctx context.Context, req Request) (contract.LabelResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return contract.LabelResult{}, contract.NewLabelError(fmt.Errorf("%w: empty text", contract.ErrInvalidInput))
	}
	if err := req.Policy.Validate(); err != nil {
		return contract.LabelResult{}, contract.NewLabelError(err)
	}
	log := l.logger
	if req.RequestID != "" {
		log = l.logger.With(map[string]string{"req_id": req.RequestID})
	}
	key := l.Key(req)
	if l.comp.Cache != nil {
		if v, ok := l.comp.Cache.Get(ctx, key); ok {
			log.Debug("labeler", "cache hit", map[string]string{"key": key})
			diag.IncOp("labeler", "label", "cached")
			return v, nil
		}
	}

	timer := log.StartWith("labeler", "label", req.RequestID, "")
	sctx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		out, err := l.compute(sctx, req, log)
		if err != nil {
			return nil, err
		}
		if l.comp.Cache != nil {
			l.comp.Cache.Set(sctx, key, out, l.set.CacheTTL)
		}
		return out, nil
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		r.Err = ctx.Err()
	case r = <-ch:
	}
	v, err, shared := r.Val, r.Err, r.Shared
	if err != nil {
		le := contract.NewLabelError(err)
		log.ErrorWithKV("labeler", string(diag.Classify(err)), "label failed", nil, req.RequestID, "", map[string]string{"failure": string(le.Kind)})
		diag.IncOp("labeler", "label", "error")
		diag.IncError("labeler", string(diag.Classify(err)))
		return contract.LabelResult{}, le
	}
	out := v.(contract.LabelResult).Clone()
	timer.Finish("label", int64(len(out.Spans)))
	diag.IncOp("labeler", "label", "ok")
	if shared {
		log.Debug("labeler", "shared computation", map[string]string{"key": key})
	}
	return out, nil
}

func (l *Labeler) compute(ctx context.Context, req Request, log *diag.Logger) (contract.LabelResult, error) {
	res := resolve.New(log)
	attempted := false
	if l.comp.FastPath != nil {
		out, reason := l.comp.FastPath.Extract(ctx, fastpath.Input{Text: req.Text, Policy: req.Policy, CameraHint: req.CameraHint}, res)
		if !reason.Declined() {
			rep := l.comp.Critic.Critique(req.Text, out.Spans)
			if rep.OK && l.comp.Validator.Validate(req.Text, rep.Spans, req.Policy).OK {
				out.Spans = rep.Spans
				out.Meta.Notes = joinNotes(out.Meta.Notes, rep.Notes())
				if out.Meta.Version == "" {
					out.Meta.Version = l.set.Version
				}
				return out, nil
			}
			reason = fastpath.ReasonValidation
		}
		attempted = reason != fastpath.ReasonDisabled
		log.Debug("labeler", "fast path declined", map[string]string{
			"reason": string(reason), "code": string(diag.Classify(contract.ErrExtractionDeclined)),
		})
	}
	if err := ctx.Err(); err != nil {
		return contract.LabelResult{}, err
	}
	out, err := l.generateChecked(ctx, req, res, log)
	if err != nil {
		return contract.LabelResult{}, err
	}
	if attempted {
		t, zero := true, 0
		out.Meta.NLPAttempted, out.Meta.NLPSpansFound = &t, &zero
	}
	st := res.Stats()
	log.Debug("labeler", "resolver stats", map[string]string{
		"exact": strconv.Itoa(st.Exact), "case_insensitive": strconv.Itoa(st.CaseInsensitive),
		"fuzzy": strconv.Itoa(st.Fuzzy), "failure": strconv.Itoa(st.Failure),
	})
	return out, nil
}

// generateChecked: 生成 → 校验/审校 → 至多一次修复。
// 重试预算为 1，由可重试的生成错误（重新生成）与校验失败（修复）共享。
func (l *Labeler) generateChecked(ctx context.Context, req Request, res *resolve.Resolver, log *diag.Logger) (contract.LabelResult, error) {
	sm := NewMachine()
	retried := false
	att, err := l.comp.Generator.Generate(ctx, req.Text, req.Policy)
	if err != nil && contract.IsRetryable(err) && ctx.Err() == nil {
		log.Warn("labeler", "regenerate after retryable error", map[string]string{"code": string(diag.Classify(err))})
		retried = true
		att, err = l.comp.Generator.Generate(ctx, req.Text, req.Policy)
	}

	var errs []string
	switch {
	case err == nil:
		if err := sm.To(StateValidating); err != nil {
			return contract.LabelResult{}, err
		}
		out, verrs := l.check(req, att, res, contract.SourceLLM)
		if len(verrs) == 0 {
			_ = sm.To(StatePassed)
			return out, nil
		}
		errs = verrs
	case errors.Is(err, contract.ErrSchemaInvalid) && att.Raw != "":
		_ = sm.To(StateValidating)
		errs = []string{err.Error()}
	default:
		return contract.LabelResult{}, err
	}
	if err := sm.To(StateFailed); err != nil {
		return contract.LabelResult{}, err
	}
	log.Debug("labeler", "attempt failed", map[string]string{"errors": strings.Join(errs, "; ")})
	if retried {
		_ = sm.To(StateFatal)
		return contract.LabelResult{}, exhausted(errs)
	}
	return l.attemptRepair(ctx, repairInput{Text: req.Text, Policy: req.Policy, Original: att.Raw, Errors: errs}, res, sm, log)
}

// check: 落地声明 → 审校（含自动修正）→ 对修正后的集合做策略校验；返回全部阻断错误。
func (l *Labeler) check(req Request, att generate.Attempt, res *resolve.Resolver, source contract.Source) (contract.LabelResult, []string) {
	spans, notes := generate.Materialize(req.Text, att.Decoded.Claims, res, source)
	rep := l.comp.Critic.Critique(req.Text, spans)
	vr := l.comp.Validator.Validate(req.Text, rep.Spans, req.Policy)
	var errs []string
	errs = append(errs, vr.Errors...)
	errs = append(errs, rep.ErrorStrings()...)
	if len(errs) > 0 {
		return contract.LabelResult{}, errs
	}
	version := att.Decoded.Version
	if version == "" {
		version = l.set.Version
	}
	all := append([]string(nil), notes...)
	all = append(all, rep.Notes()...)
	return contract.LabelResult{
		Spans:         rep.Spans,
		Meta:          contract.ResultMeta{Version: version, Notes: joinNotes(att.Decoded.Notes, all)},
		IsAdversarial: att.Decoded.IsAdversarial,
		AnalysisTrace: att.Decoded.AnalysisTrace,
	}, nil
}

func joinNotes(head string, rest []string) string {
	parts := make([]string, 0, len(rest)+1)
	if strings.TrimSpace(head) != "" {
		parts = append(parts, strings.TrimSpace(head))
	}
	parts = append(parts, rest...)
	return strings.Join(parts, "; ")
}
