package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	"simulcastctl/pkg/circuitbreaker"
	"simulcastctl/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions locate the Redis server events are published to.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	Channel  string
	Connect  retry.Config
}

// NewRedisClient connects and pings Redis, retrying the ping per opts.Connect.
func NewRedisClient(ctx context.Context, opts RedisOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := retry.Do(ctx, opts.Connect, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}
	return client, nil
}

// envelope tags every event with the publishing instance.
type envelope struct {
	InstanceID string `json:"instance_id"`
	*domain.Event
}

// RedisPublisher publishes session events on a Redis pub/sub channel.
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
}

func NewRedisPublisher(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisPublisher{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(envelope{InstanceID: p.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
		"channel", p.channel,
	)
	return nil
}

// Subscribe calls handler for every event published by other instances until ctx ends.
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(*domain.Event) error) error {
	pubsub := p.client.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, instance, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				p.logger.Warnw("failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if instance == p.instanceID {
				continue
			}
			if err := handler(ev); err != nil {
				p.logger.Warnw("error handling event", "type", ev.Type, "error", err)
			}
		}
	}
}

// DecodeEvent parses a published message and returns the publishing instance id.
func DecodeEvent(data []byte) (*domain.Event, string, error) {
	env := envelope{Event: &domain.Event{}}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", err
	}
	return env.Event, env.InstanceID, nil
}

// GuardedPublisher stops publishing to an unreachable broker until the breaker's cooldown
// passes, so session commands never wait on broker timeouts.
type GuardedPublisher struct {
	next    ports.EventPublisher
	breaker *circuitbreaker.Breaker
}

func NewGuardedPublisher(next ports.EventPublisher, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := circuitbreaker.New(cfg)
	b.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event publisher breaker changed state", "from", from.String(), "to", to.String())
	})
	return &GuardedPublisher{next: next, breaker: b}
}

func (g *GuardedPublisher) Publish(ctx context.Context, event *domain.Event) error {
	return g.breaker.Execute(func() error {
		return g.next.Publish(ctx, event)
	})
}

func (g *GuardedPublisher) State() circuitbreaker.State {
	return g.breaker.State()
}
