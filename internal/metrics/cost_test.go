package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCostTracker_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())
	tracker := NewCostTracker(map[string]Rate{
		"gpt-4o": {InputPer1K: 0.0025, OutputPer1K: 0.01},
	}, m)

	cost := tracker.Record("tenant-a", "gpt-4o", 2000, 500)
	assert.InDelta(t, 0.01, cost, 1e-9)

	free := tracker.Record("tenant-b", "local-model", 1000, 1000)
	assert.Zero(t, free)

	snap := tracker.Snapshot()
	assert.Equal(t, int64(2), snap.Requests)
	assert.Equal(t, int64(3000), snap.InputTokens)
	assert.Equal(t, int64(1500), snap.OutputTokens)
	assert.InDelta(t, 0.01, snap.TotalUSD, 1e-6)
	assert.InDelta(t, 0.01, snap.ByTenantUSD["tenant-a"], 1e-6)
	assert.InDelta(t, 0.01, tracker.TenantUSD("tenant-a"), 1e-6)

	assert.InDelta(t, 2000, testutil.ToFloat64(m.Tokens.WithLabelValues("input", "gpt-4o")), 1e-9)
	assert.InDelta(t, 0.01, testutil.ToFloat64(m.CostUSD.WithLabelValues("gpt-4o")), 1e-9)
}

func TestCostTracker_ConcurrentRecordsAreNotLost(t *testing.T) {
	tracker := NewCostTracker(map[string]Rate{
		"m": {InputPer1K: 1, OutputPer1K: 1},
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Record("t", "m", 10, 10)
		}()
	}
	wg.Wait()

	snap := tracker.Snapshot()
	assert.Equal(t, int64(100), snap.Requests)
	assert.Equal(t, int64(1000), snap.InputTokens)
	assert.InDelta(t, 2.0, snap.TotalUSD, 1e-6)
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, BreakerStateValue("closed"))
	assert.Equal(t, 1.0, BreakerStateValue("half-open"))
	assert.Equal(t, 2.0, BreakerStateValue("open"))
}
