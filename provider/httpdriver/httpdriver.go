// Package httpdriver is the one concrete Provider implementation this
// module ships: a generic OpenAI-compatible chat-completion client,
// adapted from the teacher's shared openaicompat provider base
// (llm/providers/openaicompat/provider.go), trimmed to the subset the
// kernel's Provider contract needs (no streaming, no tool calling, no
// model listing). Vendor-specific drivers (Anthropic-native, Ollama-
// native, ...) are the pinned-but-unspecified capability the rest of
// this module treats as opaque (spec §1); this is a reference
// implementation of that capability, not the full multi-vendor driver
// suite.
package httpdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vvtv/llmpool/provider"
	"github.com/vvtv/llmpool/types"
)

// Config describes one driver instance.
type Config struct {
	Name      string
	BaseURL   string
	Model     string
	APIKey    string
	Tasks     []types.Task
	Weight    float64
	TimeoutMS int
}

// Driver is a generic OpenAI-compatible chat-completion backend.
type Driver struct {
	descriptor provider.Descriptor
	apiKey     string
	client     *http.Client
	logger     *zap.Logger
}

// New builds a Driver. A non-positive cfg.TimeoutMS defaults to 30s
// for the HTTP client itself; the per-call hard deadline is always
// governed by the context passed to Infer, never this client timeout
// alone (spec §4.1: deadline is a hard wall-clock bound from
// invocation).
func New(cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Driver{
		descriptor: provider.NewDescriptor(cfg.Name, "openai-compat", cfg.BaseURL, cfg.Model, cfg.Tasks, cfg.Weight, cfg.TimeoutMS),
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "httpdriver"), zap.String("provider", cfg.Name)),
	}
}

func (d *Driver) Name() string                 { return d.descriptor.Name }
func (d *Driver) Supports(t types.Task) bool    { return d.descriptor.SupportsTask(t) }
func (d *Driver) Weight() float64               { return d.descriptor.ProviderWeight }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// Infer performs one non-streaming chat completion, honoring ctx as
// the hard wall-clock bound (spec §4.1): a ctx expiry while the HTTP
// round trip is outstanding aborts the read and reports Timeout.
func (d *Driver) Infer(ctx context.Context, prompt string, maxTokens int) (*types.ProviderResponse, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model:     d.descriptor.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, types.NewError(types.ErrProviderMalformed, "marshal request failed").WithCause(err).WithProvider(d.Name())
	}

	endpoint := strings.TrimRight(d.descriptor.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrProviderTransport, "build request failed").WithCause(err).WithProvider(d.Name())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrProviderTimeout, "deadline exceeded").WithCause(ctx.Err()).WithProvider(d.Name())
		}
		return nil, types.NewError(types.ErrProviderTransport, "request failed").WithCause(err).WithProvider(d.Name())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewError(types.ErrProviderTransport, "read response failed").WithCause(err).WithProvider(d.Name())
	}

	if resp.StatusCode >= 500 {
		return nil, types.NewError(types.ErrProviderServer, fmt.Sprintf("upstream status %d", resp.StatusCode)).WithProvider(d.Name())
	}
	if resp.StatusCode >= 400 {
		// Reachable but rejected the request: a health-positive,
		// ensemble-negative outcome (spec §4.3).
		return nil, types.NewError(types.ErrInvalidQuery, fmt.Sprintf("upstream status %d: %s", resp.StatusCode, string(data))).WithProvider(d.Name())
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderMalformed, "unparseable response").WithCause(err).WithProvider(d.Name())
	}

	return &types.ProviderResponse{
		Content:    parsed.Choices[0].Message.Content,
		Model:      d.descriptor.Model,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// Health performs a cheap liveness probe bounded by a small fixed
// timeout, non-mutating (spec §4.1).
func (d *Driver) Health(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	endpoint := strings.TrimRight(d.descriptor.BaseURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

var _ provider.Provider = (*Driver)(nil)
