package usage

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitllm/conduit/internal/domain"
)

func record(a *Accountant, model string, tokens int, latencyMS int64) {
	a.Record(model, "test",
		domain.TokenUsage{PromptTokens: tokens / 2, CompletionTokens: tokens / 2, TotalTokens: tokens},
		domain.CostBreakdown{TotalCost: 0.01, Currency: domain.CurrencyUSD},
		latencyMS,
	)
}

func TestRecordAggregates(t *testing.T) {
	a := NewAccountant(nil)
	record(a, "gpt-4o", 100, 200)
	record(a, "gpt-4o", 300, 400)
	record(a, "claude-sonnet-4", 50, 100)

	s := a.Snapshot()
	assert.Equal(t, 3, s.Requests)
	assert.Equal(t, 450, s.TotalTokens)
	assert.InDelta(t, 0.03, s.CostUSD, 1e-9)

	gpt := s.ByModel["gpt-4o"]
	assert.Equal(t, 2, gpt.Requests)
	assert.Equal(t, 400, gpt.TotalTokens)
	assert.InDelta(t, 300, gpt.AvgLatencyMS, 1e-9)
}

func TestIncrementalAverage(t *testing.T) {
	a := NewAccountant(nil)
	latencies := []int64{100, 200, 600}
	var sum int64
	for _, l := range latencies {
		record(a, "gpt-4o", 10, l)
		sum += l
	}

	want := float64(sum) / float64(len(latencies))
	assert.InDelta(t, want, a.Snapshot().AvgLatencyMS, 1e-9)
}

func TestErrorsAndFallbacks(t *testing.T) {
	a := NewAccountant(nil)
	a.RecordError(domain.ErrorTypeRateLimit)
	a.RecordError(domain.ErrorTypeRateLimit)
	a.RecordError(domain.ErrorTypeServer)
	a.RecordFallback()

	s := a.Snapshot()
	assert.Equal(t, 2, s.Errors[domain.ErrorTypeRateLimit])
	assert.Equal(t, 1, s.Errors[domain.ErrorTypeServer])
	assert.Equal(t, 1, s.Fallbacks)
}

func TestReset(t *testing.T) {
	a := NewAccountant(nil)
	record(a, "gpt-4o", 100, 50)
	a.RecordError(domain.ErrorTypeTimeout)
	a.RecordFallback()

	a.Reset()
	s := a.Snapshot()
	assert.Zero(t, s.Requests)
	assert.Zero(t, s.TotalTokens)
	assert.Zero(t, s.CostUSD)
	assert.Zero(t, s.AvgLatencyMS)
	assert.Zero(t, s.Fallbacks)
	assert.Empty(t, s.ByModel)
	assert.Empty(t, s.Errors)
}

func TestConcurrentRecording(t *testing.T) {
	a := NewAccountant(nil)

	const workers = 16
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				record(a, "gpt-4o", 10, 100)
				a.RecordError(domain.ErrorTypeServer)
			}
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	assert.Equal(t, workers*perWorker, s.Requests)
	assert.Equal(t, workers*perWorker*10, s.TotalTokens)
	assert.Equal(t, workers*perWorker, s.Errors[domain.ErrorTypeServer])
	assert.InDelta(t, 100, s.AvgLatencyMS, 1e-6)
}

func TestSnapshotIsCopy(t *testing.T) {
	a := NewAccountant(nil)
	record(a, "gpt-4o", 100, 50)

	s := a.Snapshot()
	s.ByModel["gpt-4o"] = ModelStats{Requests: 999}

	assert.Equal(t, 1, a.Snapshot().ByModel["gpt-4o"].Requests)
}

func TestPrometheusRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewAccountant(reg)
	record(a, "gpt-4o", 100, 50)
	a.RecordError(domain.ErrorTypeRateLimit)
	a.RecordFallback()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["conduit_requests_total"])
	assert.True(t, names["conduit_tokens_total"])
	assert.True(t, names["conduit_cost_usd_total"])
	assert.True(t, names["conduit_errors_total"])
	assert.True(t, names["conduit_fallbacks_total"])
}
