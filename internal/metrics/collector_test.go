package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var collectorNamespaceSeq uint64

// nextTestNamespace avoids "duplicate metrics collector registration"
// panics from promauto's default registerer across test cases.
func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	require.NotNil(t, c)
}

func TestCollector_ObserveRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.ObserveRequest("t1", "expand_queries", "FASTEST", 0.05, "ok")

	count := testutil.ToFloat64(c.requestsTotal.WithLabelValues("t1", "expand_queries", "FASTEST", "ok"))
	assert.Equal(t, 1.0, count)
}

func TestCollector_ObserveCache(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.ObserveCache(true)
	c.ObserveCache(false)
	c.ObserveCache(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheMisses))
}

func TestCollector_ObserveRateLimitRejection(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.ObserveRateLimitRejection("t1")
	c.ObserveRateLimitRejection("t1")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.rateLimitRejections.WithLabelValues("t1")))
}

func TestCollector_BreakerGauges(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.ObserveBreakerTrip("prov-a")
	c.SetBreakerState("prov-a", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTrips.WithLabelValues("prov-a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("prov-a")))
}

func TestCollector_NilReceiverIsNoOp(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveRequest("t", "task", "FASTEST", 1, "ok")
		c.ObserveCache(true)
		c.ObserveRateLimitRejection("t")
		c.ObserveBreakerTrip("p")
		c.SetBreakerState("p", 0)
		c.ObserveEnsembleOutcome("FASTEST", "winner")
		c.ObserveHedgeFanoutDepth(2)
	})
}
