package ports

import (
	"time"

	"simulcastctl/internal/core/domain"
)

// PacketObserver is told about every routing decision made for an inbound packet.
type PacketObserver interface {
	ObservePacket(id domain.StreamIdentifier, delivered bool)
}

// SessionMetrics records controller-level measurements.
type SessionMetrics interface {
	PacketObserver
	ObserveState(state domain.SessionState)
	SetActiveLayers(k int)
	SetRelayPolicy(policy domain.RelayPolicy)
	RecordCommand(kind string, err error)
	RecordSetupDuration(d time.Duration)
	RecordTeardown(failures, remainingInterfaces int)
}
