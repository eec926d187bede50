// Package orchestrator implements the end-to-end inference pipeline
// (spec §4.8): the single entry point that glues authentication-
// adjacent rate limiting, validation, cache lookup, provider
// selection, ensemble execution, and cache population together under
// one wall-clock deadline. Every other package in this module is a
// collaborator the Orchestrator composes; nothing downstream of it
// knows about the pipeline as a whole.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vvtv/llmpool/cache"
	"github.com/vvtv/llmpool/config"
	"github.com/vvtv/llmpool/ensemble"
	"github.com/vvtv/llmpool/hedge"
	"github.com/vvtv/llmpool/internal/events"
	"github.com/vvtv/llmpool/internal/metrics"
	"github.com/vvtv/llmpool/provider"
	"github.com/vvtv/llmpool/ratelimit"
	"github.com/vvtv/llmpool/tokenest"
	"github.com/vvtv/llmpool/types"
)

var tracer = otel.Tracer("github.com/vvtv/llmpool/orchestrator")

// Orchestrator is the request pipeline of spec §4.8. It holds shared,
// read-only references to its collaborators; the only mutable state
// it touches is other components' own guarded internals (spec §3
// "Ownership").
type Orchestrator struct {
	store    *config.Store
	pool     *provider.Pool
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	distrib  *ratelimit.RedisBucket
	ensemble *ensemble.Ensemble
	tokens   *tokenest.Estimator
	metrics  *metrics.Collector
	feed     *events.Feed
	logger   *zap.Logger
}

// New builds an Orchestrator. Any of metrics/feed/distrib may be nil;
// a nil metrics collector and a nil feed are both no-ops, and a nil
// distrib simply means no tenant is configured with distributed rate
// limiting.
func New(
	store *config.Store,
	pool *provider.Pool,
	ch *cache.Cache,
	limiter *ratelimit.Limiter,
	distrib *ratelimit.RedisBucket,
	ens *ensemble.Ensemble,
	tokens *tokenest.Estimator,
	m *metrics.Collector,
	feed *events.Feed,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		pool:     pool,
		cache:    ch,
		limiter:  limiter,
		distrib:  distrib,
		ensemble: ens,
		tokens:   tokens,
		metrics:  m,
		feed:     feed,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// Infer runs the eight-step pipeline of spec §4.8 and returns either
// an InferResponse or a *types.Error classifying why it could not.
func (o *Orchestrator) Infer(ctx context.Context, req types.InferRequest) (*types.InferResponse, error) {
	start := time.Now()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.TraceID == "" {
		req.TraceID = req.RequestID
	}

	ctx, span := tracer.Start(ctx, "Orchestrator.Infer",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.String("tenant_id", req.TenantID),
			attribute.String("task", string(req.Task)),
		))
	defer span.End()

	cfg := o.store.Load()
	logger := o.logger.With(zap.String("request_id", req.RequestID), zap.String("tenant", req.TenantID))

	resp, err := o.run(ctx, cfg, req, logger)

	duration := time.Since(start)
	status := "ok"
	strategyUsed := types.Strategy("")
	if err != nil {
		status = errorStatus(err)
	} else {
		strategyUsed = resp.StrategyUsed
		if !resp.FromCache {
			resp.DurationMS = duration.Milliseconds()
		}
	}
	if o.metrics != nil {
		o.metrics.ObserveRequest(req.TenantID, string(req.Task), string(strategyUsed), duration.Seconds(), status)
	}
	if o.feed != nil {
		o.feed.Publish(events.DecisionEvent{
			RequestID:    req.RequestID,
			TenantID:     req.TenantID,
			Task:         string(req.Task),
			StrategyUsed: string(strategyUsed),
			DurationMS:   duration.Milliseconds(),
			Status:       status,
		})
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

// run performs the ordered steps of spec §4.8 proper; Infer wraps it
// with the timing/metrics/decision-feed bookkeeping common to every
// outcome, success or failure.
func (o *Orchestrator) run(ctx context.Context, cfg *config.Config, req types.InferRequest, logger *zap.Logger) (*types.InferResponse, error) {
	budgetStart := time.Now()

	// Step 1: rate limit. An unknown tenant is rejected with AuthError
	// before it can consume a quota slot (spec §4.5): unconfigured
	// tenants must never bypass quotas by virtue of being unconfigured.
	tenant, known := cfg.Tenancy[req.TenantID]
	if req.TenantID == "" || !known {
		return nil, types.NewError(types.ErrAuth, "unknown tenant")
	}
	if err := o.checkRateLimit(ctx, req.TenantID, tenant); err != nil {
		return nil, err
	}

	// Step 2: validate.
	if err := o.validate(cfg, req); err != nil {
		return nil, err
	}

	// Step 3: cache probe.
	fingerprint := cache.Fingerprint(req.Task, req.Prompt, effectiveMaxTokens(cfg, req))
	if cfg.Cache.Enabled {
		entry, hit := o.cache.Get(fingerprint)
		o.metrics.ObserveCache(hit)
		if hit {
			logger.Debug("cache hit", zap.String("task", string(req.Task)))
			entry.RequestID = req.RequestID
			entry.FromCache = true
			entry.DurationMS = 0
			entry.StrategyUsed = "CACHE"
			entry.ModelsQueried = nil
			return &entry, nil
		}
	}

	// Step 4: resolve providers.
	candidates, err := o.pool.AvailableProvidersForTask(req.Task)
	if err != nil {
		return nil, err
	}

	// Step 5: resolve strategy.
	strategy := resolveStrategy(cfg, req)

	// Deadline propagated to the Ensemble is the request's deadline
	// minus time already spent in steps 1-5, floored at zero (spec
	// §4.8's final paragraph).
	elapsed := time.Since(budgetStart)
	remaining := time.Duration(req.DeadlineMS)*time.Millisecond - elapsed
	if remaining < 0 {
		remaining = 0
	}
	execCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	// Step 6: execute.
	result, err := o.ensemble.Execute(execCtx, ensemble.Params{
		Strategy:   strategy,
		Candidates: toCandidates(candidates, o.pool),
		Prompt:     req.Prompt,
		MaxTokens:  effectiveMaxTokens(cfg, req),
		HedgeAfter: time.Duration(cfg.QoS.HedgeAfterMS) * time.Millisecond,
		Judge:      o.judgeParams(cfg),
	})
	if err != nil {
		o.metrics.ObserveEnsembleOutcome(string(strategy), "error")
		if execCtx.Err() != nil {
			return nil, types.NewError(types.ErrDeadlineExceeded, "deadline exceeded").WithCause(err)
		}
		return nil, err
	}
	o.metrics.ObserveEnsembleOutcome(string(strategy), "winner")

	resp := types.InferResponse{
		RequestID:     req.RequestID,
		Content:       result.Content,
		WinnerModel:   result.WinnerModel,
		FromCache:     false,
		StrategyUsed:  result.StrategyUsed,
		ModelsQueried: result.ModelsQueried,
		ModelScores:   result.ModelScores,
		Reason:        result.Reason,
	}

	// Step 7: cache populate.
	if cfg.Cache.Enabled {
		o.cache.Set(fingerprint, resp)
	}

	// Step 8: return (DurationMS is filled in by Infer's wrapper).
	return &resp, nil
}

func (o *Orchestrator) checkRateLimit(ctx context.Context, tenantID string, tenant config.TenantConfig) error {
	var err error
	if tenant.Distributed && o.distrib != nil {
		err = o.distrib.Allow(ctx, tenantID, tenant.RateLimitRPS, tenant.RateLimitBurst)
	} else {
		err = o.limiter.Allow(tenantID, tenant.RateLimitRPS, tenant.RateLimitBurst)
	}
	if err != nil {
		o.metrics.ObserveRateLimitRejection(tenantID)
	}
	return err
}

func (o *Orchestrator) validate(cfg *config.Config, req types.InferRequest) error {
	if req.DeadlineMS <= 0 || req.DeadlineMS > cfg.QoS.MaxDeadlineMS {
		return types.NewError(types.ErrInvalidQuery, "deadline_ms out of range")
	}
	promptBytes := len(req.Prompt)
	if promptBytes == 0 || promptBytes > cfg.QoS.MaxPromptBytes {
		return types.NewError(types.ErrInvalidQuery, "prompt size out of range")
	}
	maxTokens := effectiveMaxTokens(cfg, req)
	if maxTokens <= 0 {
		return types.NewError(types.ErrInvalidQuery, "max_tokens must be positive")
	}

	if o.tokens != nil && cfg.QoS.MaxContextTokens > 0 {
		budget := cfg.QoS.MaxContextTokens - maxTokens
		if fits, estimated, err := o.tokens.FitsBudget(req.Prompt, budget); err == nil && !fits {
			return types.NewError(types.ErrInvalidQuery,
				fmt.Sprintf("prompt (~%d tokens) plus max_tokens (%d) exceeds context budget (%d)",
					estimated, maxTokens, cfg.QoS.MaxContextTokens))
		}
		// A tokenest failure (e.g. unknown encoding) degrades to
		// skipping the check rather than rejecting a request the
		// kernel cannot actually evaluate.
	}
	return nil
}

func effectiveMaxTokens(cfg *config.Config, req types.InferRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return cfg.QoS.MaxTokensDefault
}

func resolveStrategy(cfg *config.Config, req types.InferRequest) types.Strategy {
	if req.Strategy != nil {
		return *req.Strategy
	}
	if perTask, ok := cfg.Ensemble.StrategyByTask[string(req.Task)]; ok && perTask != "" {
		return types.ParseStrategy(perTask)
	}
	return types.ParseStrategy(cfg.Ensemble.DefaultStrategy)
}

func toCandidates(providers []provider.Provider, pool *provider.Pool) []hedge.Candidate {
	out := make([]hedge.Candidate, 0, len(providers))
	for _, p := range providers {
		b, _ := pool.Breaker(p.Name())
		out = append(out, hedge.Candidate{Provider: p, Breaker: b})
	}
	return out
}

// judgeParams resolves the Judge strategy's dedicated backend strictly
// by name (spec §4.7, §5's "Judge recursion hazard"): it is never
// chosen through task-based selection, so a judge backend whose own
// task set happens to include "judge" cannot recursively become one
// of the candidates it's scoring.
func (o *Orchestrator) judgeParams(cfg *config.Config) *ensemble.JudgeParams {
	if cfg.Judge.ModelProvider == "" {
		return &ensemble.JudgeParams{FallbackStrategy: types.ParseStrategy(cfg.Judge.FallbackStrategy)}
	}
	p, ok := o.pool.Get(cfg.Judge.ModelProvider)
	if !ok {
		return &ensemble.JudgeParams{FallbackStrategy: types.ParseStrategy(cfg.Judge.FallbackStrategy)}
	}
	b, _ := o.pool.Breaker(cfg.Judge.ModelProvider)
	maxTokens := cfg.Judge.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.QoS.MaxTokensDefault
	}
	return &ensemble.JudgeParams{
		Backend:          hedge.Candidate{Provider: p, Breaker: b},
		MaxTokens:        maxTokens,
		Deadline:         time.Duration(cfg.Judge.DeadlineMS) * time.Millisecond,
		FallbackStrategy: types.ParseStrategy(cfg.Judge.FallbackStrategy),
	}
}

func errorStatus(err error) string {
	if kerr, ok := err.(*types.Error); ok {
		return string(kerr.Code)
	}
	return "internal"
}
