// Package metrics provides lock-minimal counters for the anonymizer.
//
// Counters use sync/atomic so the anonymize path incurs no mutex contention.
// Latency statistics use one mutex per dimension and are updated at most
// once per call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// knownLabels lists every span label the anonymizer can emit. Per-label maps
// are filled in New() and never written again, so reads need no lock.
var knownLabels = []string{
	"PERSON", "ORGANIZATION", "LOCATION", "MISC", "EMAIL", "PHONE",
}

// Metrics holds runtime counters for one anonymizer instance.
// A nil *Metrics is accepted by every Record method and ignored.
type Metrics struct {
	Calls          atomic.Int64 // Analyze/Anonymize invocations with non-blank text
	CallsFailed    atomic.Int64 // calls that returned an error
	DegradedRuns   atomic.Int64 // calls that fell back to pattern-only detection
	InvalidSpans   atomic.Int64 // spans rejected by the reconciler
	DroppedSpans   atomic.Int64 // valid spans discarded because of overlap
	DetectorErrors atomic.Int64 // entity detector failures

	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	replaced map[string]*atomic.Int64

	detectMu   sync.Mutex
	detectStat latencyStats

	totalMu   sync.Mutex
	totalStat latencyStats

	startTime time.Time
}

// New returns Metrics with the start time recorded and per-label counters
// allocated.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		replaced:  make(map[string]*atomic.Int64, len(knownLabels)),
	}
	for _, l := range knownLabels {
		m.replaced[l] = new(atomic.Int64)
	}
	return m
}

// RecordReplaced counts one replaced span for label. Unknown labels are ignored.
func (m *Metrics) RecordReplaced(label string) {
	if m == nil {
		return
	}
	if c, ok := m.replaced[label]; ok {
		c.Add(1)
	}
}

// RecordDetectLatency records the duration of one entity detector call.
func (m *Metrics) RecordDetectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.detectMu.Lock()
	m.detectStat.record(float64(d.Microseconds()) / 1000.0)
	m.detectMu.Unlock()
}

// RecordTotalLatency records the duration of one full anonymize call.
func (m *Metrics) RecordTotalLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.totalMu.Lock()
	m.totalStat.record(float64(d.Microseconds()) / 1000.0)
	m.totalMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.detectMu.Lock()
	detect := m.detectStat.snapshot()
	m.detectMu.Unlock()

	m.totalMu.Lock()
	total := m.totalStat.snapshot()
	m.totalMu.Unlock()

	replaced := make(map[string]int64, len(m.replaced))
	for l, c := range m.replaced {
		if n := c.Load(); n > 0 {
			replaced[l] = n
		}
	}

	var uptime float64
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime).Seconds()
	}

	return Snapshot{
		Calls: CallSnapshot{
			Total:    m.Calls.Load(),
			Failed:   m.CallsFailed.Load(),
			Degraded: m.DegradedRuns.Load(),
		},
		Spans: SpanSnapshot{
			Replaced:       replaced,
			Invalid:        m.InvalidSpans.Load(),
			Dropped:        m.DroppedSpans.Load(),
			DetectorErrors: m.DetectorErrors.Load(),
		},
		Cache: CacheSnapshot{
			Hits:   m.CacheHits.Load(),
			Misses: m.CacheMisses.Load(),
		},
		Latency: LatencyGroup{
			DetectMs: detect,
			TotalMs:  total,
		},
		UptimeSecs: uptime,
	}
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Calls      CallSnapshot  `json:"calls"`
	Spans      SpanSnapshot  `json:"spans"`
	Cache      CacheSnapshot `json:"cache"`
	Latency    LatencyGroup  `json:"latency"`
	UptimeSecs float64       `json:"uptimeSecs"`
}

// CallSnapshot holds call-level counters.
type CallSnapshot struct {
	Total    int64 `json:"total"`
	Failed   int64 `json:"failed"`
	Degraded int64 `json:"degraded"`
}

// SpanSnapshot holds span volume counters.
type SpanSnapshot struct {
	// Per-label replacements; only labels with non-zero counts appear.
	Replaced       map[string]int64 `json:"replaced,omitempty"`
	Invalid        int64            `json:"invalid"`
	Dropped        int64            `json:"dropped"`
	DetectorErrors int64            `json:"detectorErrors"`
}

// CacheSnapshot holds detection cache effectiveness.
type CacheSnapshot struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	DetectMs LatencySnapshot `json:"detectMs"`
	TotalMs  LatencySnapshot `json:"totalMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
