package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vvtv/llmpool/types"
)

// Pool is the registry of live providers and their per-provider
// breakers, indexed by task for fast candidate resolution (spec §4.2).
type Pool struct {
	logger *zap.Logger

	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*Breaker
	byTask    map[types.Task][]string
}

// NewPool builds an empty registry.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		logger:    logger,
		providers: make(map[string]Provider),
		breakers:  make(map[string]*Breaker),
		byTask:    make(map[types.Task][]string),
	}
}

// Register adds a provider under its own breaker. Registering a name
// twice replaces the prior registration and its breaker.
func (p *Pool) Register(prov Provider, tasks []types.Task, breakerCfg BreakerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := prov.Name()
	p.providers[name] = prov
	p.breakers[name] = NewBreaker(name, breakerCfg, p.logger)

	for _, t := range tasks {
		p.byTask[t] = appendUnique(p.byTask[t], name)
	}
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

// ProvidersForTask returns the registered providers declaring the
// given task, in registration order.
func (p *Pool) ProvidersForTask(task types.Task) []Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := p.byTask[task]
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		if prov, ok := p.providers[n]; ok {
			out = append(out, prov)
		}
	}
	return out
}

// Get looks up a provider by name, e.g. for the Judge strategy's
// by-name backend selection (spec §4.7).
func (p *Pool) Get(name string) (Provider, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prov, ok := p.providers[name]
	return prov, ok
}

// Breaker returns the breaker guarding the named provider.
func (p *Pool) Breaker(name string) (*Breaker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.breakers[name]
	return b, ok
}

// Names returns every registered provider name.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.providers))
	for n := range p.providers {
		out = append(out, n)
	}
	return out
}

// HealthCheck probes every registered provider concurrently, each
// bounded by its own timeout, and returns the aggregate status
// (spec §6 /healthz).
func (p *Pool) HealthCheck(ctx context.Context, perProbeTimeout time.Duration) types.HealthStatus {
	p.mu.RLock()
	snapshot := make(map[string]Provider, len(p.providers))
	for n, prov := range p.providers {
		snapshot[n] = prov
	}
	p.mu.RUnlock()

	results := make(map[string]string, len(snapshot))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, prov := range snapshot {
		name, prov := name, prov
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, perProbeTimeout)
			defer cancel()

			healthy := prov.Health(probeCtx)
			mu.Lock()
			if healthy {
				results[name] = "healthy"
			} else {
				results[name] = "unhealthy"
			}
			mu.Unlock()
			return nil
		})
	}
	// HealthCheck never fails the group: Health() itself never returns
	// an error, only a bool, so g.Wait() here can only report ctx
	// cancellation and that's reflected by missing entries below.
	_ = g.Wait()

	allHealthy := len(results) == len(snapshot)
	for _, status := range results {
		if status != "healthy" {
			allHealthy = false
		}
	}
	for name := range snapshot {
		if _, ok := results[name]; !ok {
			results[name] = "unhealthy"
			allHealthy = false
		}
	}

	return types.HealthStatus{
		Healthy:   allHealthy,
		Providers: results,
		Version:   "",
	}
}

// AvailableProvidersForTask filters ProvidersForTask down to those
// whose breaker currently admits calls, without consuming the
// half-open single-probe slot (spec §4.8 step "resolve providers").
// This is a peek, not a reservation: the orchestrator still calls
// MayAttempt() immediately before each actual Infer.
func (p *Pool) AvailableProvidersForTask(task types.Task) ([]Provider, error) {
	candidates := p.ProvidersForTask(task)
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrEnsemble, fmt.Sprintf("provider pool: no providers registered for task %q", task))
	}

	out := make([]Provider, 0, len(candidates))
	for _, prov := range candidates {
		b, ok := p.Breaker(prov.Name())
		if !ok {
			continue
		}
		if !b.Peek() {
			continue
		}
		out = append(out, prov)
	}
	if len(out) == 0 {
		return nil, types.NewError(types.ErrCircuitBreakerOpen, "all providers for task are breaker-open")
	}
	return out, nil
}
