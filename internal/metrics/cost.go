package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/liliang-cn/askguard/internal/domain"
)

// microUSD per USD; spend is accumulated in integer micro-dollars so it can be
// added atomically.
const microUSD = 1_000_000

// Rate is the USD price per 1K tokens of a model
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// CostTracker accumulates token usage and spend across concurrent requests
type CostTracker struct {
	rates map[string]Rate
	m     *Metrics

	requests     atomic.Int64
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	totalMicro   atomic.Int64

	mu       sync.Mutex
	byTenant map[string]int64
	byModel  map[string]int64
}

// NewCostTracker creates a tracker with a per-model rate table. m may be nil.
func NewCostTracker(rates map[string]Rate, m *Metrics) *CostTracker {
	if rates == nil {
		rates = map[string]Rate{}
	}
	return &CostTracker{
		rates:    rates,
		m:        m,
		byTenant: make(map[string]int64),
		byModel:  make(map[string]int64),
	}
}

// Cost computes the USD cost of a call. Unknown models cost nothing.
func (t *CostTracker) Cost(model string, inputTokens, outputTokens int) float64 {
	rate, ok := t.rates[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*rate.InputPer1K + float64(outputTokens)/1000*rate.OutputPer1K
}

// Record adds one call to the running totals and returns its cost
func (t *CostTracker) Record(tenantID, model string, inputTokens, outputTokens int) float64 {
	cost := t.Cost(model, inputTokens, outputTokens)
	micro := int64(cost*microUSD + 0.5)

	t.requests.Add(1)
	t.inputTokens.Add(int64(inputTokens))
	t.outputTokens.Add(int64(outputTokens))
	t.totalMicro.Add(micro)

	t.mu.Lock()
	t.byTenant[tenantID] += micro
	t.byModel[model] += micro
	t.mu.Unlock()

	if t.m != nil {
		t.m.Tokens.WithLabelValues("input", model).Add(float64(inputTokens))
		t.m.Tokens.WithLabelValues("output", model).Add(float64(outputTokens))
		t.m.CostUSD.WithLabelValues(model).Add(cost)
	}
	return cost
}

// TotalUSD returns the accumulated spend
func (t *CostTracker) TotalUSD() float64 {
	return float64(t.totalMicro.Load()) / microUSD
}

// TenantUSD returns the accumulated spend of one tenant
func (t *CostTracker) TenantUSD(tenantID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.byTenant[tenantID]) / microUSD
}

// Snapshot returns a copy of all totals
func (t *CostTracker) Snapshot() domain.CostSnapshot {
	snap := domain.CostSnapshot{
		Requests:     t.requests.Load(),
		InputTokens:  t.inputTokens.Load(),
		OutputTokens: t.outputTokens.Load(),
		TotalUSD:     t.TotalUSD(),
		ByTenantUSD:  make(map[string]float64),
		ByModelUSD:   make(map[string]float64),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.byTenant {
		snap.ByTenantUSD[k] = float64(v) / microUSD
	}
	for k, v := range t.byModel {
		snap.ByModelUSD[k] = float64(v) / microUSD
	}
	return snap
}
