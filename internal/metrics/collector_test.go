package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.executionsTotal)
	assert.NotNil(t, collector.stepExecutionsTotal)
	assert.NotNil(t, collector.breakerTransitions)
	assert.NotNil(t, collector.queueDepth)
	assert.NotNil(t, collector.deadLetterSize)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/api/v1/workflows", 200, 100*time.Millisecond, 1024, 2048)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/api/v1/workflows", 200, 50*time.Millisecond, 512, 1024)

	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordExecution(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordExecution("wf-1", "completed", 2*time.Second)
	collector.RecordExecution("wf-1", "failed", 500*time.Millisecond)

	count := testutil.CollectAndCount(collector.executionsTotal)
	assert.Equal(t, 2, count)

	value := testutil.ToFloat64(collector.executionsTotal.WithLabelValues("wf-1", "completed"))
	assert.Equal(t, 1.0, value)
}

func TestCollector_RecordStep(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordStep("agent-1", "completed", 1*time.Second)
	collector.RecordStep("agent-1", "completed", 2*time.Second)
	collector.RecordStep("agent-2", "failed", 100*time.Millisecond)

	value := testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("agent-1", "completed"))
	assert.Equal(t, 2.0, value)

	value = testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("agent-2", "failed"))
	assert.Equal(t, 1.0, value)
}

func TestCollector_RecordStepRetries(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordStepRetries("agent-1", 3)
	collector.RecordStepRetries("agent-1", 0)
	collector.RecordStepRetries("agent-1", -1)

	value := testutil.ToFloat64(collector.stepRetriesTotal.WithLabelValues("agent-1"))
	assert.Equal(t, 3.0, value)
}

func TestCollector_RecordBreakerTransition(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordBreakerTransition("agent-1", "closed", "open")
	collector.RecordBreakerTransition("agent-1", "open", "half_open")

	count := testutil.CollectAndCount(collector.breakerTransitions)
	assert.Equal(t, 2, count)
}

func TestCollector_Gauges(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetQueueDepth(7)
	collector.SetDeadLetterSize(3)

	assert.Equal(t, 7.0, testutil.ToFloat64(collector.queueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.deadLetterSize))

	collector.SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.queueDepth))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("redis")
	collector.RecordCacheMiss("redis")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("redis")))
}

func TestCollector_RecordDatabaseMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("postgres", "SELECT", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordStep("agent-1", "completed", time.Second)
			collector.RecordCacheHit("redis")
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("agent-1", "completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("redis")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(301))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(100))
}
