package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis ping check.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddCapacityCheck fails once count reaches limit. A limit of zero never fails.
func (h *HealthChecker) AddCapacityCheck(name string, count func() int, limit int) {
	h.AddCheck(name, func(ctx context.Context) error {
		if n := count(); limit > 0 && n >= limit {
			return fmt.Errorf("at capacity: %d/%d", n, limit)
		}
		return nil
	}, 0, time.Second)
}

// AddSignalingCheck fails while any channel is disconnected.
func (h *HealthChecker) AddSignalingCheck(channels map[string]func() bool) {
	h.AddCheck("signaling", func(ctx context.Context) error {
		for name, connected := range channels {
			if !connected() {
				return fmt.Errorf("%s channel disconnected", name)
			}
		}
		return nil
	}, 0, time.Second)
}
