package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTestAggregator(cfg testAggregatorConfig) (*Aggregator, *Registry) {
	relayCfg := testRelayConfig()
	if cfg.latencySamples > 0 {
		relayCfg.Health.LatencySampleSize = cfg.latencySamples
	}
	registry := NewRegistry(relayCfg)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return NewAggregator(registry, pubSub, relayCfg, nopLogger{}), registry
}

type testAggregatorConfig struct {
	latencySamples int
}

func feed(a *Aggregator, evt metricEvent) {
	payload, _ := json.Marshal(evt)
	a.consume(message.NewMessage(watermill.NewUUID(), payload))
}

func TestAggregatorCounters(t *testing.T) {
	a, registry := newTestAggregator(testAggregatorConfig{})

	alice := uuid.New()
	assert.NoError(t, registry.Register(alice, newFakeSender()))
	assert.NoError(t, registry.Register(alice, newFakeSender()))

	for i := 0; i < 10; i++ {
		feed(a, metricEvent{Kind: metricKindMessage})
	}
	feed(a, metricEvent{Kind: metricKindError})
	feed(a, metricEvent{Kind: metricKindLatency, LatencyMs: 100})
	feed(a, metricEvent{Kind: metricKindLatency, LatencyMs: 300})

	snap := a.SnapshotNow()
	assert.Equal(t, 2, snap.Connections)
	assert.Equal(t, 1, snap.Users)
	assert.Equal(t, 10, snap.MessagesLastMinute)
	assert.Equal(t, 1, snap.ErrorsLastMinute)
	assert.InDelta(t, 0.1, snap.ErrorRate, 0.0001)
	assert.Equal(t, int64(200), snap.AvgLatencyMs)
}

func TestAggregatorErrorRateWithoutMessages(t *testing.T) {
	a, _ := newTestAggregator(testAggregatorConfig{})

	feed(a, metricEvent{Kind: metricKindError})

	// No messages in the window does not make failures invisible.
	snap := a.SnapshotNow()
	assert.Equal(t, 0, snap.MessagesLastMinute)
	assert.Equal(t, 1, snap.ErrorsLastMinute)
	assert.Equal(t, 1.0, snap.ErrorRate)
}

func TestAggregatorLatencyWindowBounded(t *testing.T) {
	a, _ := newTestAggregator(testAggregatorConfig{latencySamples: 3})

	// Oldest samples fall out of the bounded window first.
	for _, ms := range []int64{1000, 1000, 10, 10, 10} {
		feed(a, metricEvent{Kind: metricKindLatency, LatencyMs: ms})
	}

	snap := a.SnapshotNow()
	assert.Equal(t, int64(10), snap.AvgLatencyMs)
}

func TestAggregatorHealthClassification(t *testing.T) {
	tests := []struct {
		name     string
		messages int
		errors   int
		latency  int64
		conns    int
		want     string
	}{
		{
			name:     "quiet relay is healthy",
			messages: 10,
			want:     HealthHealthy,
		},
		{
			name:     "warn latency",
			messages: 10,
			latency:  6000,
			want:     HealthWarning,
		},
		{
			name:     "critical latency",
			messages: 10,
			latency:  11000,
			want:     HealthCritical,
		},
		{
			name:     "warn error rate",
			messages: 10,
			errors:   1,
			want:     HealthWarning,
		},
		{
			name:     "critical error rate",
			messages: 10,
			errors:   2,
			want:     HealthCritical,
		},
		{
			name:   "errors without messages",
			errors: 1,
			want:   HealthCritical,
		},
		{
			name:     "warn connections",
			messages: 1,
			conns:    5,
			want:     HealthWarning,
		},
		{
			name:     "critical connections",
			messages: 1,
			conns:    8,
			want:     HealthCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, registry := newTestAggregator(testAggregatorConfig{})

			for i := 0; i < tt.conns; i++ {
				assert.NoError(t, registry.Register(uuid.New(), newFakeSender()))
			}
			for i := 0; i < tt.messages; i++ {
				feed(a, metricEvent{Kind: metricKindMessage})
			}
			for i := 0; i < tt.errors; i++ {
				feed(a, metricEvent{Kind: metricKindError})
			}
			if tt.latency > 0 {
				feed(a, metricEvent{Kind: metricKindLatency, LatencyMs: tt.latency})
			}

			assert.Equal(t, tt.want, a.SnapshotNow().Status)
		})
	}
}

func TestAggregatorTrailingWindowPrunes(t *testing.T) {
	a, _ := newTestAggregator(testAggregatorConfig{})

	a.mu.Lock()
	// Plant counters that are already outside the trailing minute.
	old := time.Now().Add(-2 * time.Minute)
	a.messageTimes = append(a.messageTimes, old, old)
	a.errorTimes = append(a.errorTimes, old)
	a.mu.Unlock()

	feed(a, metricEvent{Kind: metricKindMessage})

	snap := a.SnapshotNow()
	assert.Equal(t, 1, snap.MessagesLastMinute)
	assert.Equal(t, 0, snap.ErrorsLastMinute)
}
