// Package provider defines the uniform backend capability (spec §4.1),
// the registry that indexes providers by task (spec §4.2), and the
// per-provider circuit breaker (spec §4.3).
package provider

import (
	"context"

	"github.com/vvtv/llmpool/types"
)

// Provider is the uniform contract every backend driver implements.
// Drivers (Anthropic, OpenAI, Ollama, ...) are out of scope for this
// kernel (spec §1); this interface is the pinned boundary.
type Provider interface {
	// Name returns the stable identifier used in logs, cache
	// provenance, and breaker indexing.
	Name() string

	// Supports reports whether this provider declares the given task.
	Supports(task types.Task) bool

	// Infer performs one inference call, honoring deadline as a hard
	// wall-clock bound from invocation. A cancelled or expired ctx
	// must produce types.ErrDeadlineExceeded or a provider-kind error,
	// never a partial success.
	Infer(ctx context.Context, prompt string, maxTokens int) (*types.ProviderResponse, error)

	// Health performs a cheap, non-mutating liveness probe bounded by
	// a small fixed timeout.
	Health(ctx context.Context) bool

	// Weight is the provider's static routing weight (spec §3),
	// used by the Weighted ensemble strategy.
	Weight() float64
}

// Descriptor is the immutable, declarative half of a provider
// registration (spec §3): {name, driver kind, base endpoint, model
// identifier, supported tasks, weight, per-call timeout}. Drivers
// typically embed a Descriptor and add the live handle on top.
type Descriptor struct {
	Name       string
	Driver     string
	BaseURL    string
	Model      string
	Tasks      map[types.Task]struct{}
	ProviderWeight float64
	TimeoutMS  int
}

// NewDescriptor builds a Descriptor from a task list.
func NewDescriptor(name, driver, baseURL, model string, tasks []types.Task, weight float64, timeoutMS int) Descriptor {
	set := make(map[types.Task]struct{}, len(tasks))
	for _, t := range tasks {
		set[t] = struct{}{}
	}
	if weight <= 0 {
		weight = 1.0
	}
	return Descriptor{
		Name:           name,
		Driver:         driver,
		BaseURL:        baseURL,
		Model:          model,
		Tasks:          set,
		ProviderWeight: weight,
		TimeoutMS:      timeoutMS,
	}
}

func (d Descriptor) SupportsTask(task types.Task) bool {
	_, ok := d.Tasks[task]
	return ok
}
