package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"ai-legalchat-be/internal/config"
	"ai-legalchat-be/internal/pkg/logger"
)

// MetricsTopic is the in-process bus topic carrying relay measurement events.
const MetricsTopic = "relay.metrics"

const (
	metricKindMessage = "message"
	metricKindError   = "error"
	metricKindLatency = "latency"
)

type metricEvent struct {
	Kind      string `json:"kind"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
}

// Recorder publishes measurement events onto the internal bus. Components
// fire and forget; the aggregator consumes on its own goroutine so the hot
// path never waits on metrics bookkeeping.
type Recorder struct {
	pubSub *gochannel.GoChannel
	log    logger.ILogger
}

func NewRecorder(pubSub *gochannel.GoChannel, log logger.ILogger) *Recorder {
	return &Recorder{pubSub: pubSub, log: log}
}

func (r *Recorder) publish(evt metricEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := r.pubSub.Publish(MetricsTopic, msg); err != nil {
		r.log.Warn("Metrics", "failed to publish metric event", map[string]interface{}{
			"kind":  evt.Kind,
			"error": err.Error(),
		})
	}
}

func (r *Recorder) Message() {
	r.publish(metricEvent{Kind: metricKindMessage})
}

func (r *Recorder) Error() {
	r.publish(metricEvent{Kind: metricKindError})
}

func (r *Recorder) Latency(d time.Duration) {
	r.publish(metricEvent{Kind: metricKindLatency, LatencyMs: d.Milliseconds()})
}

// Health classifications exposed by the aggregator.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Snapshot is one point-in-time view of the relay's load.
type Snapshot struct {
	Status             string    `json:"status"`
	Connections        int       `json:"connections"`
	Users              int       `json:"users"`
	MessagesLastMinute int       `json:"messagesLastMinute"`
	ErrorsLastMinute   int       `json:"errorsLastMinute"`
	ErrorRate          float64   `json:"errorRate"`
	AvgLatencyMs       int64     `json:"avgLatencyMs"`
	Timestamp          time.Time `json:"timestamp"`
}

// Aggregator consumes measurement events and maintains rolling counters:
// trailing-minute message and error counts, a bounded latency sample window
// with the oldest sample dropped first, and the coarse health classification
// derived from configured thresholds.
type Aggregator struct {
	mu         sync.Mutex
	registry   *Registry
	thresholds config.HealthThresholds
	interval   time.Duration
	pubSub     *gochannel.GoChannel
	log        logger.ILogger

	messageTimes []time.Time
	errorTimes   []time.Time
	latencies    []int64
}

func NewAggregator(
	registry *Registry,
	pubSub *gochannel.GoChannel,
	cfg config.RelayConfig,
	log logger.ILogger,
) *Aggregator {
	return &Aggregator{
		registry:   registry,
		thresholds: cfg.Health,
		interval:   cfg.MetricsInterval,
		pubSub:     pubSub,
		log:        log,
	}
}

// Run subscribes to the measurement bus and periodically logs a snapshot.
// It returns once the subscription is established; consumption continues on
// background goroutines until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	messages, err := a.pubSub.Subscribe(ctx, MetricsTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			a.consume(msg)
		}
	}()

	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := a.SnapshotNow()
				a.log.Info("Metrics", "relay snapshot", map[string]interface{}{
					"status":               snap.Status,
					"connections":          snap.Connections,
					"users":                snap.Users,
					"messages_last_minute": snap.MessagesLastMinute,
					"error_rate":           snap.ErrorRate,
					"avg_latency_ms":       snap.AvgLatencyMs,
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (a *Aggregator) consume(msg *message.Message) {
	var evt metricEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		msg.Ack()
		return
	}

	a.mu.Lock()
	now := time.Now()
	switch evt.Kind {
	case metricKindMessage:
		a.messageTimes = append(a.messageTimes, now)
	case metricKindError:
		a.errorTimes = append(a.errorTimes, now)
	case metricKindLatency:
		a.latencies = append(a.latencies, evt.LatencyMs)
		if len(a.latencies) > a.thresholds.LatencySampleSize {
			a.latencies = a.latencies[len(a.latencies)-a.thresholds.LatencySampleSize:]
		}
	}
	a.pruneLocked(now)
	a.mu.Unlock()

	msg.Ack()
}

// pruneLocked drops counters older than the trailing minute. Caller holds mu.
func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	a.messageTimes = pruneBefore(a.messageTimes, cutoff)
	a.errorTimes = pruneBefore(a.errorTimes, cutoff)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	return times[idx:]
}

// SnapshotNow computes the current rolling view and its health class.
func (a *Aggregator) SnapshotNow() Snapshot {
	connections, users := a.registry.Counts()

	a.mu.Lock()
	now := time.Now()
	a.pruneLocked(now)
	messages := len(a.messageTimes)
	errors := len(a.errorTimes)
	var avgLatency int64
	if len(a.latencies) > 0 {
		var sum int64
		for _, l := range a.latencies {
			sum += l
		}
		avgLatency = sum / int64(len(a.latencies))
	}
	a.mu.Unlock()

	// A minute with only errors and no messages is the furthest thing from
	// healthy, so an empty denominator pins the rate to 1.0 instead of 0.
	errorRate := 0.0
	if messages > 0 {
		errorRate = float64(errors) / float64(messages)
	} else if errors > 0 {
		errorRate = 1.0
	}

	return Snapshot{
		Status:             a.classify(connections, avgLatency, errorRate),
		Connections:        connections,
		Users:              users,
		MessagesLastMinute: messages,
		ErrorsLastMinute:   errors,
		ErrorRate:          errorRate,
		AvgLatencyMs:       avgLatency,
		Timestamp:          now,
	}
}

func (a *Aggregator) classify(connections int, avgLatencyMs int64, errorRate float64) string {
	t := a.thresholds
	switch {
	case connections >= t.CritConnections,
		avgLatencyMs >= t.CritLatency.Milliseconds(),
		errorRate >= t.CritErrorRate:
		return HealthCritical
	case connections >= t.WarnConnections,
		avgLatencyMs >= t.WarnLatency.Milliseconds(),
		errorRate >= t.WarnErrorRate:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
