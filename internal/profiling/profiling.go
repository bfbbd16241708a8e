package profiling

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Lightweight process-wide timing totals for diagnostics.

var (
	mu     sync.Mutex
	totals = make(map[string]time.Duration)
	counts = make(map[string]int64)
)

// Track returns a stop function that records the elapsed time under the given name.
// Usage: defer profiling.Track("subsystem.Operation")()
func Track(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		mu.Lock()
		totals[name] += d
		counts[name]++
		mu.Unlock()
	}
}

// Reset clears all totals.
func Reset() {
	mu.Lock()
	clear(totals)
	clear(counts)
	mu.Unlock()
}

// Snapshot returns a copy of the current totals.
func Snapshot() map[string]time.Duration {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]time.Duration, len(totals))
	for k, v := range totals {
		out[k] = v
	}
	return out
}

// Count returns how many times name was tracked.
func Count(name string) int64 {
	mu.Lock()
	defer mu.Unlock()
	return counts[name]
}

// TopN formats the n largest totals.
// Example: "meshing.Extract:4.2ms, grid.ReadWindow:2.1ms"
func TopN(n int) string {
	ss := Snapshot()
	type pair struct {
		name string
		dur  time.Duration
	}
	list := make([]pair, 0, len(ss))
	for k, v := range ss {
		list = append(list, pair{name: k, dur: v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].dur != list[j].dur {
			return list[i].dur > list[j].dur
		}
		return list[i].name < list[j].name
	})
	n = min(n, len(list))
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf("%s:%.1fms", list[i].name, float64(list[i].dur.Microseconds())/1000.0))
	}
	return strings.Join(parts, ", ")
}

// Histogram keeps the most recent duration samples in a ring and reports
// quantiles over them. It is safe for concurrent use.
type Histogram struct {
	mu      sync.Mutex
	samples []float64 // nanoseconds
	next    int
	full    bool
	count   int64
}

// NewHistogram creates a histogram remembering up to size samples.
func NewHistogram(size int) *Histogram {
	if size <= 0 {
		size = 1024
	}
	return &Histogram{samples: make([]float64, size)}
}

// Observe records one duration.
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	h.samples[h.next] = float64(d)
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
	h.count++
	h.mu.Unlock()
}

// Summary describes the retained samples.
type Summary struct {
	Count int64 // all observations, including ones no longer retained
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("n=%d mean=%s p50=%s p95=%s max=%s", s.Count, s.Mean, s.P50, s.P95, s.Max)
}

// Summary computes quantiles over the retained samples.
func (h *Histogram) Summary() Summary {
	h.mu.Lock()
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	xs := make([]float64, n)
	copy(xs, h.samples[:n])
	count := h.count
	h.mu.Unlock()

	out := Summary{Count: count}
	if n == 0 {
		return out
	}
	sort.Float64s(xs)
	toDur := func(ns float64) time.Duration { return time.Duration(ns) }
	out.Mean = toDur(stat.Mean(xs, nil))
	out.P50 = toDur(stat.Quantile(0.5, stat.Empirical, xs, nil))
	out.P95 = toDur(stat.Quantile(0.95, stat.Empirical, xs, nil))
	out.Max = toDur(xs[n-1])
	return out
}
