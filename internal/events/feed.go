// Package events implements the Orchestrator's decision feed: a small
// in-process publish/subscribe hub that broadcasts one DecisionEvent
// per completed Orchestrator.Infer call to any attached websocket
// subscriber, for live operational visibility. This is distinct from
// the streaming-partial-token-responses Non-goal (spec §1): no token
// content ever flows through here, only post-hoc decision metadata
// (request and tenant ids, task, strategy used, duration, outcome
// status). The models queried and the winning model are not part of
// the event. Adapted from the
// teacher's websocket connection adapter in
// agent/streaming/ws_adapter.go, generalized from a bidirectional
// chunk stream to a broadcast-only event hub.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// DecisionEvent is the post-hoc summary of one completed request,
// published regardless of outcome (cache hits included, tagged
// strategy_used="CACHE").
type DecisionEvent struct {
	RequestID    string `json:"request_id"`
	TenantID     string `json:"tenant_id"`
	Task         string `json:"task"`
	StrategyUsed string `json:"strategy_used"`
	DurationMS   int64  `json:"duration_ms"`
	Status       string `json:"status"`
}

// subscriberBuffer bounds how many undelivered events a slow
// subscriber tolerates before being dropped; the feed never blocks a
// request on a stalled websocket reader.
const subscriberBuffer = 32

// Feed is a broadcast-only publish/subscribe hub. A nil *Feed is
// valid: Publish becomes a no-op so callers never need to branch on
// whether the decision feed is enabled.
type Feed struct {
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[chan DecisionEvent]struct{}
}

// NewFeed builds an empty Feed.
func NewFeed(logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		logger:      logger.With(zap.String("component", "decision_feed")),
		subscribers: make(map[chan DecisionEvent]struct{}),
	}
}

// Publish broadcasts ev to every current subscriber. A subscriber
// whose buffer is full is skipped for this event rather than blocking
// the publisher.
func (f *Feed) Publish(ev DecisionEvent) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *Feed) subscribe() chan DecisionEvent {
	ch := make(chan DecisionEvent, subscriberBuffer)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(ch chan DecisionEvent) {
	f.mu.Lock()
	delete(f.subscribers, ch)
	f.mu.Unlock()
	close(ch)
}

// Len reports the number of attached subscribers, for tests and the
// prometheus collector.
func (f *Feed) Len() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// ServeHTTP upgrades the request to a websocket and streams every
// subsequently published DecisionEvent as JSON text frames until the
// client disconnects or the server shuts down (spec SPEC_FULL §4.11,
// endpoint /v1/decisions).
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
