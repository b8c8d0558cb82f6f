package metrics

import (
	"sort"
	"strings"
	"sync"
)

// MemSink is an in-memory Sink for tests: it records samples keyed by series
// name and a canonical label fingerprint.
type MemSink struct {
	mu      sync.Mutex
	samples map[string]map[string]float64
}

func NewMemSink() *MemSink {
	return &MemSink{samples: make(map[string]map[string]float64)}
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
		b.WriteString(",")
	}
	return b.String()
}

func (s *MemSink) Set(series string, labels map[string]string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples[series] == nil {
		s.samples[series] = make(map[string]float64)
	}
	s.samples[series][labelKey(labels)] = value
}

func (s *MemSink) Delete(series string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples[series], labelKey(labels))
}

func (s *MemSink) Clear(series string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, series)
}

// Get returns the recorded value for a series/label combination.
func (s *MemSink) Get(series string, labels map[string]string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.samples[series][labelKey(labels)]
	return v, ok
}

// Len reports how many samples a series currently holds.
func (s *MemSink) Len(series string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples[series])
}
