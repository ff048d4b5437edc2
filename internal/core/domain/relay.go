package domain

import (
	"fmt"
	"strings"
)

// StreamIdentifier is the SSRC tag carried by one simulcast layer, in [1, MaxStreams].
type StreamIdentifier uint32

// Valid reports whether id lies in [1, n].
func (id StreamIdentifier) Valid(n int) bool {
	return id >= 1 && int(id) <= n
}

// RelayMode selects whether the relay forwards every layer or a single one.
type RelayMode int

const (
	RelayOneStream RelayMode = iota + 1
	RelayAllStreams
)

func (m RelayMode) String() string {
	switch m {
	case RelayOneStream:
		return "one"
	case RelayAllStreams:
		return "all"
	default:
		return "unknown"
	}
}

// ParseRelayMode accepts "one"/"all" and the numeric menu choices "1"/"2".
func ParseRelayMode(s string) (RelayMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one", "1", "relay_one":
		return RelayOneStream, nil
	case "all", "2", "relay_all":
		return RelayAllStreams, nil
	default:
		return 0, fmt.Errorf("unknown relay mode %q", s)
	}
}

// RelayPolicy is either RelayAll or RelayOne(active). The zero value is RelayAll.
type RelayPolicy struct {
	one    bool
	active StreamIdentifier
}

// RelayAll forwards every active layer.
func RelayAll() RelayPolicy {
	return RelayPolicy{}
}

// RelayOne forwards only the given identifier.
func RelayOne(id StreamIdentifier) RelayPolicy {
	return RelayPolicy{one: true, active: id}
}

// Mode reports which variant the policy is.
func (p RelayPolicy) Mode() RelayMode {
	if p.one {
		return RelayOneStream
	}
	return RelayAllStreams
}

// Active returns the selected identifier; ok is false for RelayAll.
func (p RelayPolicy) Active() (StreamIdentifier, bool) {
	return p.active, p.one
}

// IsRelayOne reports whether the policy filters to a single identifier.
func (p RelayPolicy) IsRelayOne() bool {
	return p.one
}

// Clamped returns the policy after the active layer count changed to k.
// RelayOne is re-pointed at k; RelayAll is unchanged.
func (p RelayPolicy) Clamped(k int) RelayPolicy {
	if !p.one {
		return p
	}
	return RelayOne(StreamIdentifier(k))
}

func (p RelayPolicy) String() string {
	if p.one {
		return fmt.Sprintf("relay_one(%d)", p.active)
	}
	return "relay_all"
}
