package runtime

import (
	"encoding/json"
	"errors"
	"math"
	"runtime"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// GroupStats aggregates delivery statistics for one consumer group. All
// methods are safe for concurrent use by the group's partition workers.
type GroupStats struct {
	mu sync.Mutex `json:"-"`

	group string `json:"-"`
	topic string `json:"-"`

	EnvelopesHandled      uint64    `json:"envelopes_handled"`
	EnvelopesFailed       uint64    `json:"envelopes_failed"`
	EnvelopesRetried      uint64    `json:"envelopes_retried"`
	EnvelopesDeadLettered uint64    `json:"envelopes_dead_lettered"`
	TotalProcessingTime   int64     `json:"total_processing_time_ns"`
	LastHandledAt         time.Time `json:"last_handled_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS        float64 `json:"current_rps"`
	WindowSeconds     float64 `json:"window_seconds"`
	EnvelopesInWindow uint64  `json:"envelopes_in_window"`
	TotalEnvelopes    uint64  `json:"total_envelopes"`
}

// ErrorBreakdown counts handler failures by the transport's own taxonomy.
type ErrorBreakdown struct {
	Retryable     uint64 `json:"retryable"`
	Fatal         uint64 `json:"fatal"`
	Serialization uint64 `json:"serialization"`
	LastError     string `json:"last_error,omitempty"`
}

// Record classifies one handler failure. Serialization failures are counted
// separately from other fatal failures because they point at codec or schema
// drift rather than application bugs.
func (e *ErrorBreakdown) Record(err error) {
	if err == nil {
		return
	}
	var serr *errspkg.SerializationError
	switch {
	case errors.As(err, &serr):
		e.Serialization++
	case errors.Is(err, errspkg.ErrFatal):
		e.Fatal++
	default:
		e.Retryable++
	}
	e.LastError = err.Error()
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

func newGroupStats(group, topic string, sampler *resourceTracker) *GroupStats {
	return &GroupStats{
		group:            group,
		topic:            topic,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		resourceSampler:  sampler,
	}
}

// onHandled records one finished handler attempt.
func (s *GroupStats) onHandled(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.EnvelopesHandled++
	if err != nil {
		s.EnvelopesFailed++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastHandledAt = time.Now().UTC()

	if s.latencyWindow != nil {
		s.latencyWindow.Add(duration)
		snapshot := s.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if s.EnvelopesHandled > 0 {
			snapshot.AverageNs = s.TotalProcessingTime / int64(s.EnvelopesHandled)
		}
		s.Latency = snapshot
	}

	if s.throughputWindow != nil {
		snapshot := s.throughputWindow.AddAndSnapshot(time.Now())
		s.Throughput.CurrentRPS = snapshot.CurrentRPS
		s.Throughput.WindowSeconds = snapshot.WindowSeconds
		s.Throughput.EnvelopesInWindow = uint64(snapshot.Count)
	}
	s.Throughput.TotalEnvelopes = s.EnvelopesHandled

	s.Errors.Record(err)

	if s.resourceSampler != nil {
		s.Resource = s.resourceSampler.Snapshot()
	}
}

func (s *GroupStats) onRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EnvelopesRetried++
}

func (s *GroupStats) onDeadLettered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EnvelopesDeadLettered++
}

func (s *GroupStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias GroupStats
	return json.Marshal((*Alias)(s))
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var out LatencyMetrics
	if lw == nil {
		return out
	}
	if lw.filled == 0 {
		out.LastNs = lw.last
		return out
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	out.SampleSize = lw.filled
	out.P50Ns = percentile(samples, 0.50)
	out.P95Ns = percentile(samples, 0.95)
	out.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	out.AverageNs = sum / int64(len(samples))
	out.LastNs = lw.last
	return out
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

// resourceTracker samples coarse CPU and memory usage for stats snapshots.
// CPU is derived from the runtime's own scheduler clock, so the numbers stay
// meaningful inside containers where OS-level counters lie.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: "/sched/cpu:seconds"}}
	}

	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = sample.Value.Float64()
	}
	now := time.Now()

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaCPU := cpuSeconds - r.lastCPUSeconds
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = (deltaCPU / deltaWall) / r.numCPU * 100
		}
	}

	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}
