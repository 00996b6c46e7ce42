package plugins

import (
	"sort"
	"sync"
	"time"
)

type PluginStats struct {
	ID       string        `json:"id"`
	Calls    uint64        `json:"calls"`
	Failures uint64        `json:"failures"`
	Total    time.Duration `json:"total"`
	Max      time.Duration `json:"max"`
}

func (s PluginStats) Average() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

// Monitor accumulates per-plugin execution times.
type Monitor struct {
	mu    sync.Mutex
	stats map[string]*PluginStats
}

func NewMonitor() *Monitor {
	return &Monitor{stats: make(map[string]*PluginStats)}
}

func (m *Monitor) Record(id string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[id]
	if !ok {
		s = &PluginStats{ID: id}
		m.stats[id] = s
	}
	s.Calls++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
	if err != nil {
		s.Failures++
	}
}

func (m *Monitor) Get(id string) (PluginStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[id]
	if !ok {
		return PluginStats{ID: id}, false
	}
	return *s, true
}

// Snapshot returns all stats sorted by id.
func (m *Monitor) Snapshot() []PluginStats {
	m.mu.Lock()
	out := make([]PluginStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Monitor) Reset(id string) {
	m.mu.Lock()
	delete(m.stats, id)
	m.mu.Unlock()
}
