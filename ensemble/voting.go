package ensemble

import (
	"context"

	"github.com/vvtv/llmpool/types"
)

// votingGroup aggregates every successful response sharing one
// normalized content.
type votingGroup struct {
	normalized   string
	count        int
	weightSum    float64
	rawContent   string
	rawModel     string
	earliestAt   int64 // unix nanos, smaller is earlier
	memberNames  map[string]struct{}
}

// groupOutcomes normalizes and groups every successful outcome. Order
// of the returned slice is first-appearance order, which keeps
// winner-selection iteration deterministic given a fixed candidate
// order.
func groupOutcomes(results []outcome) []*votingGroup {
	index := make(map[string]*votingGroup)
	var order []*votingGroup

	for _, r := range results {
		if r.err != nil || r.resp == nil {
			continue
		}
		key := normalize(r.resp.Content)
		g, ok := index[key]
		if !ok {
			g = &votingGroup{normalized: key, memberNames: make(map[string]struct{})}
			index[key] = g
			order = append(order, g)
		}
		g.count++
		g.weightSum += r.weight
		g.memberNames[r.name] = struct{}{}
		if g.rawContent == "" || r.at.UnixNano() < g.earliestAt {
			g.rawContent = r.resp.Content
			g.rawModel = r.name
			g.earliestAt = r.at.UnixNano()
		}
	}
	return order
}

func successCount(results []outcome) int {
	n := 0
	for _, r := range results {
		if r.err == nil && r.resp != nil {
			n++
		}
	}
	return n
}

// executeVoting implements spec §4.7 Voting: largest group wins, ties
// broken by (a) higher summed weight, (b) earliest response time.
func (e *Ensemble) executeVoting(ctx context.Context, params Params) (*Result, error) {
	results := fanOutAll(ctx, params.Candidates, params.Prompt, params.MaxTokens)
	return votingResultFrom(results)
}

// votingResultFrom applies the Voting decision rule to an already-
// collected fan-out, so the Judge strategy's fallback path can reuse
// the same candidate pool without re-invoking any provider.
func votingResultFrom(results []outcome) (*Result, error) {
	groups := groupOutcomes(results)
	if len(groups) == 0 {
		return nil, types.NewError(types.ErrEnsemble, "all providers failed, no votes collected")
	}

	winner := groups[0]
	for _, g := range groups[1:] {
		if isBetterVote(g, winner) {
			winner = g
		}
	}

	return buildResult(results, winner, types.StrategyVoting, "plurality vote", scoreByVote), nil
}

func isBetterVote(candidate, current *votingGroup) bool {
	if candidate.count != current.count {
		return candidate.count > current.count
	}
	if candidate.weightSum != current.weightSum {
		return candidate.weightSum > current.weightSum
	}
	return candidate.earliestAt < current.earliestAt
}

// executeWeighted implements spec §4.7 Weighted: same grouping, but
// the winner is the group with the highest summed provider weight;
// ties broken by earliest response time only (weight already served
// as the primary key, so count is not consulted again).
func (e *Ensemble) executeWeighted(ctx context.Context, params Params) (*Result, error) {
	results := fanOutAll(ctx, params.Candidates, params.Prompt, params.MaxTokens)
	return weightedResultFrom(results)
}

func weightedResultFrom(results []outcome) (*Result, error) {
	groups := groupOutcomes(results)
	if len(groups) == 0 {
		return nil, types.NewError(types.ErrEnsemble, "all providers failed, no votes collected")
	}

	winner := groups[0]
	for _, g := range groups[1:] {
		if isBetterWeighted(g, winner) {
			winner = g
		}
	}

	return buildResult(results, winner, types.StrategyWeighted, "highest weighted group", scoreByWeight), nil
}

func isBetterWeighted(candidate, current *votingGroup) bool {
	if candidate.weightSum != current.weightSum {
		return candidate.weightSum > current.weightSum
	}
	return candidate.earliestAt < current.earliestAt
}

// scoreFn computes one outcome's contribution to model_scores.
type scoreFn func(r outcome) float64

func scoreByVote(r outcome) float64 {
	if r.err != nil || r.resp == nil {
		return 0
	}
	return 1
}

func scoreByWeight(r outcome) float64 {
	if r.err != nil || r.resp == nil {
		return 0
	}
	return r.weight
}

func buildResult(results []outcome, winner *votingGroup, strategy types.Strategy, reason string, score scoreFn) *Result {
	names := modelsQueried(results)
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = score(r)
	}
	return &Result{
		Content:       winner.rawContent,
		WinnerModel:   winner.rawModel,
		StrategyUsed:  strategy,
		ModelsQueried: names,
		ModelScores:   scores,
		Reason:        reason,
	}
}
