package ensemble

import (
	"context"

	"github.com/vvtv/llmpool/types"
)

// executeFastest delegates to the hedger and reports every candidate
// passed in as models_queried, win or lose (spec example #2:
// "models_queried=[A,B]" even though A was cancelled). The list is
// the full candidate list: a candidate the hedger never launched,
// because an earlier one won first, is listed too.
func (e *Ensemble) executeFastest(ctx context.Context, params Params) (*Result, error) {
	result, err := e.hedger.Race(ctx, params.Candidates, params.Prompt, params.MaxTokens, params.HedgeAfter)

	names := make([]string, len(params.Candidates))
	for i, c := range params.Candidates {
		names[i] = c.Provider.Name()
	}

	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(names))
	for i, n := range names {
		if n == result.ProviderName {
			scores[i] = 1
		}
	}

	return &Result{
		Content:       result.Response.Content,
		WinnerModel:   result.ProviderName,
		StrategyUsed:  types.StrategyFastest,
		ModelsQueried: names,
		ModelScores:   scores,
		Reason:        "fastest responder",
	}, nil
}
