package monitoring

import (
	"context"
	"fmt"
	"time"

	"simulcastctl/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// SessionStateFunc reports the lifecycle state of the session being checked.
type SessionStateFunc func() domain.SessionState

// AddSessionCheck reports healthy while the session has not been torn down.
func (h *HealthChecker) AddSessionCheck(state SessionStateFunc, timeout time.Duration) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		if s := state(); s == domain.StateTornDown {
			return false, fmt.Errorf("session %s", s)
		}
		return true, nil
	}, timeout)
}

// AddStreamingCheck is the readiness check: the session accepts commands only while streaming.
func (h *HealthChecker) AddStreamingCheck(state SessionStateFunc, timeout time.Duration) {
	h.AddCheck("streaming", func(ctx context.Context) (bool, error) {
		switch s := state(); s {
		case domain.StateStreaming, domain.StateReconfiguring:
			return true, nil
		default:
			return false, fmt.Errorf("session %s", s)
		}
	}, timeout)
}
