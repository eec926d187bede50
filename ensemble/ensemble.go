// Package ensemble implements the five strategies that turn a set of
// candidate providers into one winning answer (spec §4.7). Strategies
// are modeled as a tagged sum — Execute dispatches on types.Strategy
// to a distinct algorithm per variant — rather than as subtype
// polymorphism, because each variant carries different invariants
// (Consensus requires a strict majority; Judge requires a second,
// separately-addressed backend call) that a shared interface would
// blur.
package ensemble

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vvtv/llmpool/hedge"
	"github.com/vvtv/llmpool/provider"
	"github.com/vvtv/llmpool/types"
)

// Params bundles everything one Execute call needs. Candidates must
// already be filtered down to providers whose breaker currently
// admits calls (spec §4.8): an empty Candidates is always an error,
// never silently treated as "no opinion".
type Params struct {
	Strategy   types.Strategy
	Candidates []hedge.Candidate
	Prompt     string
	MaxTokens  int
	HedgeAfter time.Duration

	// Judge is only consulted when Strategy == types.StrategyJudge.
	Judge *JudgeParams
}

// JudgeParams configures the Judge strategy's separate backend call
// (spec §4.7, §5 "Judge recursion hazard"): the judge backend is
// addressed directly by name, bypassing task-based selection, so a
// judge provider whose own task set happens to include "judge" can
// never be recursively selected as one of the candidates it scores.
type JudgeParams struct {
	Backend          hedge.Candidate
	MaxTokens        int
	Deadline         time.Duration
	FallbackStrategy types.Strategy
}

// Result is the strategy-agnostic outcome, mapped onto
// types.InferResponse by the orchestrator.
type Result struct {
	Content       string
	WinnerModel   string
	StrategyUsed  types.Strategy
	ModelsQueried []string
	ModelScores   []float64
	Reason        string
}

// Ensemble executes ensemble strategies against a hedger for the
// Fastest variant and direct fan-out for the voting family.
type Ensemble struct {
	hedger *hedge.Hedger
	logger *zap.Logger
}

// New builds an Ensemble.
func New(hedger *hedge.Hedger, logger *zap.Logger) *Ensemble {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ensemble{hedger: hedger, logger: logger}
}

// Execute runs params.Strategy to completion or returns a
// types.ErrEnsemble-coded error describing why no winner was possible.
func (e *Ensemble) Execute(ctx context.Context, params Params) (*Result, error) {
	if len(params.Candidates) == 0 {
		return nil, types.NewError(types.ErrEnsemble, "no candidates to execute")
	}

	switch params.Strategy {
	case types.StrategyFastest:
		return e.executeFastest(ctx, params)
	case types.StrategyVoting:
		return e.executeVoting(ctx, params)
	case types.StrategyWeighted:
		return e.executeWeighted(ctx, params)
	case types.StrategyConsensus:
		return e.executeConsensus(ctx, params)
	case types.StrategyJudge:
		return e.executeJudge(ctx, params)
	default:
		return e.executeFastest(ctx, params)
	}
}

// outcome is one candidate's raw fan-out result.
type outcome struct {
	name   string
	weight float64
	resp   *types.ProviderResponse
	err    error
	at     time.Time
}

// fanOutAll invokes every candidate concurrently under the shared ctx
// deadline and waits for all of them — unlike hedge.Race, nothing here
// is cancelled early, since the voting family needs every opinion it
// can get before it can group and tie-break.
func fanOutAll(ctx context.Context, candidates []hedge.Candidate, prompt string, maxTokens int) []outcome {
	results := make([]outcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)

	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			resp, err := provider.Invoke(gctx, c.Provider, c.Breaker, prompt, maxTokens)
			results[i] = outcome{
				name:   c.Provider.Name(),
				weight: c.Provider.Weight(),
				resp:   resp,
				err:    err,
				at:     time.Now(), // arrival time, used for tie-break ordering
			}
			return nil // collect every outcome; never let one failure cancel the rest
		})
	}
	_ = g.Wait()
	return results
}

// normalize implements spec §4.7's content comparison key: trim,
// lowercase, collapse internal whitespace runs to a single space.
func normalize(s string) string {
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

func modelsQueried(results []outcome) []string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.name
	}
	return names
}
