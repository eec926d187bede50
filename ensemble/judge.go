package ensemble

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vvtv/llmpool/provider"
	"github.com/vvtv/llmpool/types"
)

var firstIntegerPattern = regexp.MustCompile(`-?\d+`)
var floatPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

// executeJudge implements spec §4.7 Judge: run the Voting fan-out to
// build a candidate pool, then call a dedicated judge backend —
// addressed directly by name (spec §5, the recursion hazard) — to
// pick among the distinct candidate contents. A judge that times out,
// fails, or isn't configured falls back to FallbackStrategy applied to
// the same already-collected pool, never re-fetched from providers.
func (e *Ensemble) executeJudge(ctx context.Context, params Params) (*Result, error) {
	results := fanOutAll(ctx, params.Candidates, params.Prompt, params.MaxTokens)
	groups := groupOutcomes(results)
	if len(groups) == 0 {
		return nil, types.NewError(types.ErrEnsemble, "all providers failed, nothing for the judge to score")
	}

	if params.Judge == nil || params.Judge.Backend.Provider == nil {
		e.logger.Warn("judge strategy invoked without a configured judge backend, falling back")
		return e.fallback(results, params.Judge)
	}

	judgePrompt := buildJudgePrompt(params.Prompt, groups)

	judgeCtx := ctx
	var cancel context.CancelFunc
	if params.Judge.Deadline > 0 {
		judgeCtx, cancel = context.WithTimeout(ctx, params.Judge.Deadline)
		defer cancel()
	}

	resp, err := provider.Invoke(judgeCtx, params.Judge.Backend.Provider, params.Judge.Backend.Breaker, judgePrompt, params.Judge.MaxTokens)
	if err != nil {
		e.logger.Warn("judge backend failed, falling back", zap.Error(err))
		return e.fallback(results, params.Judge)
	}

	idx, ok := parseJudgeIndex(resp.Content, len(groups))
	if !ok {
		e.logger.Warn("judge reply did not contain a usable candidate index, falling back")
		return e.fallback(results, params.Judge)
	}

	winner := groups[idx]
	scores := judgeScores(results, groups, idx, resp.Content)

	return &Result{
		Content:       winner.rawContent,
		WinnerModel:   winner.rawModel,
		StrategyUsed:  types.StrategyJudge,
		ModelsQueried: modelsQueried(results),
		ModelScores:   scores,
		Reason:        fmt.Sprintf("judged by %s", params.Judge.Backend.Provider.Name()),
	}, nil
}

func (e *Ensemble) fallback(results []outcome, judge *JudgeParams) (*Result, error) {
	strategy := types.StrategyVoting
	if judge != nil && judge.FallbackStrategy != "" {
		strategy = judge.FallbackStrategy
	}

	var res *Result
	var err error
	switch strategy {
	case types.StrategyWeighted:
		res, err = weightedResultFrom(results)
	case types.StrategyConsensus:
		res, err = consensusResultFrom(results)
	default:
		res, err = votingResultFrom(results)
	}
	if err != nil {
		return nil, err
	}
	res.Reason = "judge unavailable, fell back to " + string(strategy)
	return res, nil
}

// buildJudgePrompt embeds the original prompt and the enumerated,
// distinct candidate answers for the judge to choose among.
func buildJudgePrompt(original string, groups []*votingGroup) string {
	var b strings.Builder
	b.WriteString("Original request:\n")
	b.WriteString(original)
	b.WriteString("\n\nCandidate answers:\n")
	for i, g := range groups {
		fmt.Fprintf(&b, "[%d] %s\n", i, g.rawContent)
	}
	b.WriteString("\nReply with the index of the best candidate.")
	return b.String()
}

// parseJudgeIndex implements the spec's resolved Open Question: "first
// integer found is the candidate index" (spec §5).
func parseJudgeIndex(reply string, numCandidates int) (int, bool) {
	match := firstIntegerPattern.FindString(reply)
	if match == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(match)
	if err != nil || idx < 0 || idx >= numCandidates {
		return 0, false
	}
	return idx, true
}

// judgeScores fills model_scores from the judge's optional per-
// candidate scores if the reply contains at least numCandidates+1
// parseable numbers (the chosen index plus one score per candidate),
// taking the last numCandidates of them as the scores; otherwise it
// falls back to 0/1 (spec §4.7).
func judgeScores(results []outcome, groups []*votingGroup, winnerIdx int, reply string) []float64 {
	if parsed, ok := parsePerCandidateScores(reply, len(groups)); ok {
		return expandGroupScores(results, groups, parsed)
	}

	byGroupScore := make([]float64, len(groups))
	byGroupScore[winnerIdx] = 1
	return expandGroupScores(results, groups, byGroupScore)
}

func parsePerCandidateScores(reply string, numCandidates int) ([]float64, bool) {
	matches := floatPattern.FindAllString(reply, -1)
	if len(matches) < numCandidates+1 { // +1 for the chosen index itself
		return nil, false
	}
	tail := matches[len(matches)-numCandidates:]
	scores := make([]float64, numCandidates)
	for i, m := range tail {
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil, false
		}
		scores[i] = v
	}
	return scores, true
}

// expandGroupScores maps a per-group score onto each raw provider
// outcome belonging to that group.
func expandGroupScores(results []outcome, groups []*votingGroup, byGroup []float64) []float64 {
	groupOf := make(map[string]int, len(groups))
	for gi, g := range groups {
		for name := range g.memberNames {
			groupOf[name] = gi
		}
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		if r.err != nil || r.resp == nil {
			continue
		}
		if gi, ok := groupOf[r.name]; ok {
			scores[i] = byGroup[gi]
		}
	}
	return scores
}
