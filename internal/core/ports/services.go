package ports

import (
	"context"

	"simulcastctl/internal/core/domain"
)

// CommandResult is the outcome of one operator command.
type CommandResult struct {
	Command string             `json:"command"`
	Notice  string             `json:"notice"`
	Policy  string             `json:"policy"`
	Layers  int                `json:"layers"`
	Spec    *domain.StreamSpec `json:"spec,omitempty"`
	Ignored bool               `json:"ignored,omitempty"`
}

// SessionService is the surface exposed to operator front-ends.
type SessionService interface {
	Execute(ctx context.Context, line string) (CommandResult, error)
	CallState() domain.CallState
	RoutingStats() domain.RoutingStats
}
