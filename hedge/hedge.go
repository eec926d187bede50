// Package hedge implements staggered-fan-out racing (spec §4.5): the
// Fastest ensemble strategy's primitive. Candidates are launched in
// order with a fixed stagger delay between each; the first success
// wins and every other in-flight branch is cancelled immediately so
// its outcome is never recorded against its breaker (spec §5).
package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vvtv/llmpool/provider"
	"github.com/vvtv/llmpool/types"
)

// Candidate pairs a provider with the breaker guarding it.
type Candidate struct {
	Provider provider.Provider
	Breaker  *provider.Breaker
}

// Result is one candidate's outcome, used both for the winner and for
// building an aggregate error when every candidate fails.
type Result struct {
	ProviderName string
	Response     *types.ProviderResponse
	Err          error
	DurationMS   int64
}

// Hedger races candidates, staggered by hedgeAfter, under a shared
// wall-clock deadline carried on ctx.
type Hedger struct {
	logger *zap.Logger
}

// New builds a Hedger.
func New(logger *zap.Logger) *Hedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hedger{logger: logger}
}

// Race launches candidates one at a time, hedgeAfter apart, and
// returns the first success. If every candidate fails (or the shared
// ctx expires first), it returns an aggregate EnsembleError.
func (h *Hedger) Race(ctx context.Context, candidates []Candidate, prompt string, maxTokens int, hedgeAfter time.Duration) (*Result, error) {
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrEnsemble, "no candidates to race")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Result, len(candidates))
	var wg sync.WaitGroup

	launch := func(c Candidate) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			resp, err := provider.Invoke(raceCtx, c.Provider, c.Breaker, prompt, maxTokens)
			results <- Result{
				ProviderName: c.Provider.Name(),
				Response:     resp,
				Err:          err,
				DurationMS:   time.Since(start).Milliseconds(),
			}
		}()
	}

	// A single goroutine owns both staggered launching and the final
	// wg.Wait()+close: wg.Add happens only on this goroutine, strictly
	// before the Wait call, so there is no window where an empty
	// WaitGroup is observed before the first candidate launches.
	go func() {
	launchLoop:
		for i, c := range candidates {
			if i > 0 {
				select {
				case <-raceCtx.Done():
					break launchLoop
				case <-time.After(hedgeAfter):
				}
			}
			select {
			case <-raceCtx.Done():
				break launchLoop
			default:
				launch(c)
			}
		}
		wg.Wait()
		close(results)
	}()

	var failures []Result
	for r := range results {
		if r.Err == nil {
			cancel() // stop every other branch; its outcome won't be recorded
			h.logger.Debug("hedge race winner",
				zap.String("provider", r.ProviderName),
				zap.Int64("duration_ms", r.DurationMS))
			return &r, nil
		}
		failures = append(failures, r)
	}

	return nil, aggregateError(failures)
}

func aggregateError(failures []Result) error {
	if len(failures) == 0 {
		return types.NewError(types.ErrEnsemble, "all candidates cancelled before completing")
	}
	last := failures[len(failures)-1]
	return types.NewError(types.ErrEnsemble,
		fmt.Sprintf("all %d candidates failed, last error from %s: %v", len(failures), last.ProviderName, last.Err)).
		WithCause(last.Err)
}
