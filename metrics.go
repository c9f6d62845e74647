package tagmux

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the send/receive latency histogram buckets in
// nanoseconds, 1us to 10s, logarithmically spaced.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for an Engine.
type Metrics struct {
	SendsCommitted atomic.Uint64
	SendsDiscarded atomic.Uint64 // no receiver, busy level, level occupied, etc.
	SendFaults     atomic.Uint64

	ReceivesDelivered   atomic.Uint64
	ReceivesWoken       atomic.Uint64 // woken by awake-all, no payload
	ReceivesInterrupted atomic.Uint64
	ReceiveFaults       atomic.Uint64

	EpochRollovers     atomic.Uint64
	LevelsReclaimed    atomic.Uint64
	AwakeAllBroadcasts atomic.Uint64

	TagsCreated atomic.Uint64
	TagsDeleted atomic.Uint64
	LiveTags    atomic.Int64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a new Metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordSend records the outcome of a tag_send call.
func (m *Metrics) RecordSend(committed bool, latencyNs uint64) {
	if committed {
		m.SendsCommitted.Add(1)
	} else {
		m.SendsDiscarded.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSendFault records a send that failed copying from the caller buffer.
func (m *Metrics) RecordSendFault() { m.SendFaults.Add(1) }

// ReceiveOutcome classifies how a tag_receive call returned.
type ReceiveOutcome int

const (
	ReceiveDelivered ReceiveOutcome = iota
	ReceiveWoken
	ReceiveInterrupted
)

// RecordReceive records the outcome of a tag_receive call.
func (m *Metrics) RecordReceive(outcome ReceiveOutcome, latencyNs uint64) {
	switch outcome {
	case ReceiveDelivered:
		m.ReceivesDelivered.Add(1)
	case ReceiveWoken:
		m.ReceivesWoken.Add(1)
	case ReceiveInterrupted:
		m.ReceivesInterrupted.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReceiveFault records a receive that failed copying to the caller buffer.
func (m *Metrics) RecordReceiveFault() { m.ReceiveFaults.Add(1) }

// RecordEpochRollover records a receiver rolling a level to a new epoch.
func (m *Metrics) RecordEpochRollover() { m.EpochRollovers.Add(1) }

// RecordLevelReclaimed records a superseded level record being freed.
func (m *Metrics) RecordLevelReclaimed() { m.LevelsReclaimed.Add(1) }

// RecordAwakeAll records a tag_ctl(AWAKE_ALL) that actually broadcast.
func (m *Metrics) RecordAwakeAll() { m.AwakeAllBroadcasts.Add(1) }

// RecordTagCreated records a successful tag_get(CREATE).
func (m *Metrics) RecordTagCreated() {
	m.TagsCreated.Add(1)
	m.LiveTags.Add(1)
}

// RecordTagDeleted records a successful tag_ctl(DELETE).
func (m *Metrics) RecordTagDeleted() {
	m.TagsDeleted.Add(1)
	m.LiveTags.Add(-1)
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to pass around.
type MetricsSnapshot struct {
	SendsCommitted uint64
	SendsDiscarded uint64
	SendFaults     uint64

	ReceivesDelivered   uint64
	ReceivesWoken       uint64
	ReceivesInterrupted uint64
	ReceiveFaults       uint64

	EpochRollovers     uint64
	LevelsReclaimed    uint64
	AwakeAllBroadcasts uint64

	TagsCreated uint64
	TagsDeleted uint64
	LiveTags    int64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
	UptimeNs         uint64
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SendsCommitted:      m.SendsCommitted.Load(),
		SendsDiscarded:      m.SendsDiscarded.Load(),
		SendFaults:          m.SendFaults.Load(),
		ReceivesDelivered:   m.ReceivesDelivered.Load(),
		ReceivesWoken:       m.ReceivesWoken.Load(),
		ReceivesInterrupted: m.ReceivesInterrupted.Load(),
		ReceiveFaults:       m.ReceiveFaults.Load(),
		EpochRollovers:      m.EpochRollovers.Load(),
		LevelsReclaimed:     m.LevelsReclaimed.Load(),
		AwakeAllBroadcasts:  m.AwakeAllBroadcasts.Load(),
		TagsCreated:         m.TagsCreated.Load(),
		TagsDeleted:         m.TagsDeleted.Load(),
		LiveTags:            m.LiveTags.Load(),
	}

	total := m.TotalLatencyNs.Load()
	count := m.OpCount.Load()
	if count > 0 {
		snap.AvgLatencyNs = total / count
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	return snap
}

// calculatePercentile estimates the latency at the given percentile via
// linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection via an
// Observer/MetricsObserver pairing.
type Observer interface {
	ObserveSend(committed bool, latencyNs uint64)
	ObserveReceive(outcome ReceiveOutcome, latencyNs uint64)
	ObserveEpochRollover()
	ObserveLevelReclaimed()
	ObserveAwakeAll()
	ObserveTagCreated()
	ObserveTagDeleted()
}

// NoOpObserver discards everything.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSend(bool, uint64)              {}
func (NoOpObserver) ObserveReceive(ReceiveOutcome, uint64) {}
func (NoOpObserver) ObserveEpochRollover()                 {}
func (NoOpObserver) ObserveLevelReclaimed()                {}
func (NoOpObserver) ObserveAwakeAll()                      {}
func (NoOpObserver) ObserveTagCreated()                    {}
func (NoOpObserver) ObserveTagDeleted()                    {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct{ metrics *Metrics }

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveSend(committed bool, latencyNs uint64) {
	o.metrics.RecordSend(committed, latencyNs)
}
func (o *MetricsObserver) ObserveReceive(outcome ReceiveOutcome, latencyNs uint64) {
	o.metrics.RecordReceive(outcome, latencyNs)
}
func (o *MetricsObserver) ObserveEpochRollover()  { o.metrics.RecordEpochRollover() }
func (o *MetricsObserver) ObserveLevelReclaimed() { o.metrics.RecordLevelReclaimed() }
func (o *MetricsObserver) ObserveAwakeAll()       { o.metrics.RecordAwakeAll() }
func (o *MetricsObserver) ObserveTagCreated()     { o.metrics.RecordTagCreated() }
func (o *MetricsObserver) ObserveTagDeleted()     { o.metrics.RecordTagDeleted() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
