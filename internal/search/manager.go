// Package search implements the client-side channel search manager from
// spec.md §4.5: back-off timer buckets with TCP-like congestion
// avoidance, an RTT estimator, and beacon-anomaly boost. Constants are
// grounded on the original implementation's channelSearchManager.cpp
// (ATOMIC_PERIOD, MAX_COUNT_VALUE, etc.) since spec.md leaves the exact
// timing parameters to the original.
package search

import (
	"math"
	"time"
)

// Timing constants from the original RTT-adaptive implementation
// (_examples/original_source/pvAccessApp/remote/channelSearchManager.cpp),
// the variant spec.md §4.5's worked examples (including Testable-property
// scenario 5's "frames sent at approx t=0, 64ms, 128ms, 256ms...") match.
const (
	// AtomicPeriodJitter bounds the +/- random jitter applied each round.
	AtomicPeriodJitter = 25 * time.Millisecond

	// MinRTT and MaxRTT clamp the RTT EWMA (spec.md §4.5 step 3) and seed
	// bucket 0's nominal period; both come from the original's MIN_RTT /
	// MAX_RTT = 2*MIN_RTT, not the newer, non-adaptive
	// src/remote/channelSearchManager.cpp's fixed ATOMIC_PERIOD (225ms),
	// which belongs to a different, non-RTT-based search manager variant
	// spec.md's scenario does not describe.
	MinRTT = 32 * time.Millisecond
	MaxRTT = 64 * time.Millisecond

	// MaxSearchPeriod bounds the bucket table itself (BucketCount's
	// maxPeriod argument), grounded on the original's MAX_SEARCH_PERIOD
	// clamped to MAX_SEARCH_PERIOD_LOWER_LIMIT (5*60000ms capped to
	// 60000ms). Distinct from MaxRTT: that's the EWMA estimate's ceiling,
	// this is how far out the back-off table itself reaches.
	MaxSearchPeriod = 60 * time.Second

	MaxCountValue         = 256 // power of two; caps frames_per_try growth
	MaxFallbackCountValue = 129

	MaxFramesAtOnce    = 10
	DelayBetweenFrames = 50 * time.Millisecond

	SuccessRate = 0.9
	BoostValue  = 1

	// BeaconAnomalyPeriod is the bucket-period threshold at or above
	// which a channel is eligible for boost-on-new-server demotion.
	BeaconAnomalyPeriod = 30 * time.Second
)

// BucketCount computes N = min(18, ceil(log2(MAX_PERIOD/MIN_RTT))) + 1,
// per spec.md §4.5.
func BucketCount(maxPeriod, minRTT time.Duration) int {
	ratio := float64(maxPeriod) / float64(minRTT)
	n := int(math.Ceil(math.Log2(ratio)))
	if n > 18 {
		n = 18
	}
	if n < 0 {
		n = 0
	}
	return n + 1
}

// pending tracks one unresolved channel's search bookkeeping within a
// bucket (spec.md §3's "Pending search").
type pending struct {
	channelID uint32
	name      string
	attempt   uint32
}

// Bucket is one back-off timer bucket (spec.md §4.5).
type Bucket struct {
	index int
	period time.Duration

	requestPending  []*pending
	responsePending []*pending

	framesPerTry int
	threshold    int // congestion-avoidance slow-start threshold

	attemptsThisRound  int
	successesThisRound int
}

func newBucket(index int, period time.Duration) *Bucket {
	return &Bucket{index: index, period: period, framesPerTry: 1, threshold: MaxCountValue / 2}
}

// onRoundComplete applies TCP-like congestion avoidance to framesPerTry
// based on this round's response rate, per spec.md §4.5.
func (b *Bucket) onRoundComplete() {
	if b.attemptsThisRound == 0 {
		return
	}
	rate := float64(b.successesThisRound) / float64(b.attemptsThisRound)
	if rate >= SuccessRate {
		if b.framesPerTry < b.threshold {
			b.framesPerTry *= 2
			if b.framesPerTry > b.threshold {
				b.framesPerTry = b.threshold
			}
		} else if b.framesPerTry < MaxCountValue {
			b.framesPerTry++
		}
	} else {
		b.threshold = b.framesPerTry / 2
		if b.threshold < 1 {
			b.threshold = 1
		}
		b.framesPerTry = 1
	}
	b.attemptsThisRound = 0
	b.successesThisRound = 0
}

// Manager owns all back-off buckets for one client context and the RTT
// estimator shared across them.
type Manager struct {
	buckets []*Bucket
	rtt     time.Duration

	slowdownEnabled bool

	byChannel map[uint32]int // channel id -> bucket index
}

// NewManager builds a Manager with BucketCount(maxPeriod, minRTT) buckets,
// bucket k's nominal period being (1<<k) * rtt estimate, starting from
// minRTT as the initial RTT estimate.
func NewManager(maxPeriod, minRTT time.Duration, slowdownEnabled bool) *Manager {
	n := BucketCount(maxPeriod, minRTT)
	m := &Manager{rtt: minRTT, slowdownEnabled: slowdownEnabled, byChannel: make(map[uint32]int)}
	for k := 0; k < n; k++ {
		period := time.Duration(int64(1)<<uint(k)) * minRTT
		m.buckets = append(m.buckets, newBucket(k, period))
	}
	return m
}

// Register places a newly unresolved channel into bucket 0 with a
// one-time boost (spec.md §4.5's "one-time per-channel boost also
// applies on first registration").
func (m *Manager) Register(channelID uint32, name string) {
	if _, ok := m.byChannel[channelID]; ok {
		return
	}
	b := m.buckets[0]
	b.requestPending = append(b.requestPending, &pending{channelID: channelID, name: name})
	m.byChannel[channelID] = 0
}

// Resolve removes channelID from whichever bucket it's waiting in,
// having received a SearchResponse for it, and updates the RTT estimate
// per the EWMA in spec.md §4.5: rtt += (measured-rtt)/4, clamped to
// [MinRTT, MaxRTT].
func (m *Manager) Resolve(channelID uint32, measuredRTT time.Duration) {
	idx, ok := m.byChannel[channelID]
	if !ok {
		return
	}
	b := m.buckets[idx]
	b.responsePending = removePending(b.responsePending, channelID)
	b.requestPending = removePending(b.requestPending, channelID)
	b.successesThisRound++
	delete(m.byChannel, channelID)

	m.rtt += (measuredRTT - m.rtt) / 4
	if m.rtt < MinRTT {
		m.rtt = MinRTT
	}
	if m.rtt > MaxRTT {
		m.rtt = MaxRTT
	}
}

// Unregister removes channelID entirely (e.g. the channel was destroyed
// before it resolved).
func (m *Manager) Unregister(channelID uint32) {
	idx, ok := m.byChannel[channelID]
	if !ok {
		return
	}
	b := m.buckets[idx]
	b.requestPending = removePending(b.requestPending, channelID)
	b.responsePending = removePending(b.responsePending, channelID)
	delete(m.byChannel, channelID)
}

func removePending(list []*pending, channelID uint32) []*pending {
	out := list[:0]
	for _, p := range list {
		if p.channelID != channelID {
			out = append(out, p)
		}
	}
	return out
}

// RTT returns the current RTT estimate.
func (m *Manager) RTT() time.Duration { return m.rtt }

// Frame is a batch of channels to search in one search request, per
// spec.md §4.5 step 1: "Multiple channel searches batch into one frame
// until the fixed batch limit."
type Frame struct {
	BucketIndex int
	Channels    []struct {
		ChannelID uint32
		Name      string
	}
}

// BuildRound moves channels from request_pending into up to
// bucket.framesPerTry frames (batched up to maxPerFrame channels each),
// moving the sent channels into response_pending, per spec.md §4.5 step
// 1-2.
func (m *Manager) BuildRound(bucketIndex, maxPerFrame int) []Frame {
	b := m.buckets[bucketIndex]
	var frames []Frame
	for len(b.requestPending) > 0 && len(frames) < b.framesPerTry && len(frames) < MaxFramesAtOnce {
		n := maxPerFrame
		if n > len(b.requestPending) {
			n = len(b.requestPending)
		}
		batch := b.requestPending[:n]
		b.requestPending = b.requestPending[n:]

		f := Frame{BucketIndex: bucketIndex}
		for _, p := range batch {
			p.attempt++
			f.Channels = append(f.Channels, struct {
				ChannelID uint32
				Name      string
			}{p.channelID, p.name})
			b.responsePending = append(b.responsePending, p)
		}
		frames = append(frames, f)
		b.attemptsThisRound += len(batch)
	}
	return frames
}

// ExpireRound handles bucket-period expiry (spec.md §4.5 step 4): any
// channel still in response_pending is moved to the next bucket if
// slowdown is enabled, otherwise it stays (the slowest bucket always
// stays). It also applies congestion avoidance for the completed round.
func (m *Manager) ExpireRound(bucketIndex int) {
	b := m.buckets[bucketIndex]
	b.onRoundComplete()

	if len(b.responsePending) == 0 {
		return
	}
	if !m.slowdownEnabled || bucketIndex == len(m.buckets)-1 {
		// Stay: move back to request_pending for the next round.
		b.requestPending = append(b.requestPending, b.responsePending...)
		b.responsePending = nil
		return
	}
	next := m.buckets[bucketIndex+1]
	for _, p := range b.responsePending {
		next.requestPending = append(next.requestPending, p)
		m.byChannel[p.channelID] = next.index
	}
	b.responsePending = nil
}

// Boost demotes every channel in a bucket with period >= BeaconAnomalyPeriod
// down to the beacon-anomaly bucket, so it re-searches sooner after a new
// server appears on the network (spec.md §4.5's "Boost").
func (m *Manager) Boost() {
	anomalyIdx := -1
	for i, b := range m.buckets {
		if b.period >= BeaconAnomalyPeriod {
			anomalyIdx = i
			break
		}
	}
	if anomalyIdx < 0 {
		return
	}
	target := m.buckets[anomalyIdx]
	for i := anomalyIdx + 1; i < len(m.buckets); i++ {
		b := m.buckets[i]
		for _, p := range b.requestPending {
			target.requestPending = append(target.requestPending, p)
			m.byChannel[p.channelID] = anomalyIdx
		}
		for _, p := range b.responsePending {
			target.requestPending = append(target.requestPending, p)
			m.byChannel[p.channelID] = anomalyIdx
		}
		b.requestPending = nil
		b.responsePending = nil
	}
}

// BucketPeriod returns the nominal period of bucket k, for the timer
// thread to schedule ExpireRound calls.
func (m *Manager) BucketPeriod(k int) time.Duration {
	return m.buckets[k].period
}

// NumBuckets returns the number of configured buckets.
func (m *Manager) NumBuckets() int { return len(m.buckets) }
