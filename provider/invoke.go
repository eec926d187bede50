package provider

import (
	"context"
	"errors"

	"github.com/vvtv/llmpool/types"
)

// Invoke is the single choke point every ensemble strategy and the
// hedger call through: it enforces the breaker's admission decision,
// performs the call, and records the outcome — except when ctx was
// cancelled out from under the call (a losing hedge branch), in which
// case no outcome is recorded at all (spec §5: "A cancelled provider
// call must not record an outcome on its breaker").
func Invoke(ctx context.Context, prov Provider, breaker *Breaker, prompt string, maxTokens int) (*types.ProviderResponse, error) {
	if breaker != nil {
		if err := breaker.MayAttempt(); err != nil {
			return nil, err
		}
	}

	resp, err := prov.Infer(ctx, prompt, maxTokens)

	if ctx.Err() != nil {
		// ctx was cancelled or its deadline expired out from under this
		// call (e.g. a losing hedge branch) — its outcome carries no
		// information about the provider's health.
		return resp, err
	}

	if breaker != nil {
		breaker.Record(err != nil && isBreakerFailure(err))
	}
	return resp, err
}

func isBreakerFailure(err error) bool {
	var kerr *types.Error
	if errors.As(err, &kerr) {
		return kerr.IsBreakerFailure()
	}
	// An error that isn't one of our typed errors (e.g. an unexpected
	// driver panic surfaced as a plain error) still counts against
	// the breaker: it's unambiguously a failure.
	return true
}
