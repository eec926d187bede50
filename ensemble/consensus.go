package ensemble

import (
	"context"
	"fmt"

	"github.com/vvtv/llmpool/types"
)

// executeConsensus implements spec §4.7 Consensus: grouped like
// Voting, but the winning group must additionally hold a strict
// majority — at least ⌈successes/2⌉+1 members — of the successful
// responses, or the strategy fails outright rather than declaring a
// plurality winner.
func (e *Ensemble) executeConsensus(ctx context.Context, params Params) (*Result, error) {
	results := fanOutAll(ctx, params.Candidates, params.Prompt, params.MaxTokens)
	return consensusResultFrom(results)
}

func consensusResultFrom(results []outcome) (*Result, error) {
	groups := groupOutcomes(results)
	successes := successCount(results)

	if len(groups) == 0 || successes == 0 {
		return nil, types.NewError(types.ErrEnsemble, "all providers failed, no responses for consensus")
	}

	winner := groups[0]
	for _, g := range groups[1:] {
		if isBetterVote(g, winner) {
			winner = g
		}
	}

	required := (successes+1)/2 + 1 // ceil(successes/2) + 1
	if winner.count < required {
		return nil, types.NewError(types.ErrEnsemble,
			fmt.Sprintf("no majority: largest group has %d of %d responses, needs %d", winner.count, successes, required))
	}

	return buildResult(results, winner, types.StrategyConsensus, "strict majority", scoreByVote), nil
}
