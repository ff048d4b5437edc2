package services

import (
	"sync"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
)

// MetricsService counts routing decisions per stream identifier. It sits on the
// packet path, so it only takes the write lock for the two counter increments.
type MetricsService struct {
	mu sync.RWMutex

	delivered     map[domain.StreamIdentifier]uint64
	dropped       map[domain.StreamIdentifier]uint64
	lastDelivered map[domain.StreamIdentifier]time.Time

	next ports.PacketObserver
}

// NewMetricsService creates a stats collector. next, when set, sees every packet too.
func NewMetricsService(next ports.PacketObserver) *MetricsService {
	return &MetricsService{
		delivered:     make(map[domain.StreamIdentifier]uint64),
		dropped:       make(map[domain.StreamIdentifier]uint64),
		lastDelivered: make(map[domain.StreamIdentifier]time.Time),
		next:          next,
	}
}

func (m *MetricsService) ObservePacket(id domain.StreamIdentifier, delivered bool) {
	m.mu.Lock()
	if delivered {
		m.delivered[id]++
		m.lastDelivered[id] = time.Now()
	} else {
		m.dropped[id]++
	}
	m.mu.Unlock()

	if m.next != nil {
		m.next.ObservePacket(id, delivered)
	}
}

// Stats returns a copy of the counters.
func (m *MetricsService) Stats() domain.RoutingStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.RoutingStats{
		Delivered: make(map[domain.StreamIdentifier]uint64, len(m.delivered)),
		Dropped:   make(map[domain.StreamIdentifier]uint64, len(m.dropped)),
		Timestamp: time.Now(),
	}
	for id, n := range m.delivered {
		stats.Delivered[id] = n
	}
	for id, n := range m.dropped {
		stats.Dropped[id] = n
	}
	return stats
}

// Delivered returns how many packets tagged id reached a pipeline.
func (m *MetricsService) Delivered(id domain.StreamIdentifier) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.delivered[id]
}

// Dropped returns how many packets tagged id were filtered out.
func (m *MetricsService) Dropped(id domain.StreamIdentifier) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped[id]
}

// IsFlowing reports whether id delivered a packet within window.
func (m *MetricsService) IsFlowing(id domain.StreamIdentifier, window time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last, ok := m.lastDelivered[id]
	return ok && time.Since(last) <= window
}

// DeliveryRatio is delivered/(delivered+dropped) over all identifiers, 0 when nothing arrived.
func (m *MetricsService) DeliveryRatio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var delivered, total uint64
	for _, n := range m.delivered {
		delivered += n
		total += n
	}
	for _, n := range m.dropped {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(delivered) / float64(total)
}

// Reset clears all counters.
func (m *MetricsService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = make(map[domain.StreamIdentifier]uint64)
	m.dropped = make(map[domain.StreamIdentifier]uint64)
	m.lastDelivered = make(map[domain.StreamIdentifier]time.Time)
}
