package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"lovebot/internal/delivery"
	"lovebot/internal/transport"
)

func TestObserverCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitPrometheusMetrics("lovebot", reg)

	m.SendFinished("s", 100*time.Millisecond, nil)
	m.SendFinished("s", time.Second, transport.Transient(errors.New("x")))
	m.SendFinished("s", time.Second, transport.Permanent(errors.New("y")))
	m.RetryScheduled(&delivery.Attempt{}, time.Second)
	m.Resolved(&delivery.Attempt{State: delivery.StateDelivered, Attempts: 2})
	m.StorageRetried("mark delivered", errors.New("disk"))
	m.SlotSkipped("s", "missed")
	m.LoopState(time.Unix(1700000000, 0), 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues("permanent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolvedTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageRetries.WithLabelValues("mark delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skippedTotal.WithLabelValues("missed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.suspended))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.nextDue))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Greater(t, n, 0)
}
