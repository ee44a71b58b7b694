package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
)

const leaseKey = "reservation-sync:lease"

// releaseScript deletes the lease only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease guards a cycle against a second instance running at the same time.
type Lease interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	key    string
}

func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, ttl: ttl, key: leaseKey}
}

func (l *RedisLease) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.New().String()
	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	renewCtx, stop := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(renewCtx, token)
	}()

	release := func() {
		stop()
		<-renewed
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); err != nil {
			logger.Log.WithError(err).Warn("Failed to release sync lease")
		}
	}
	return release, true, nil
}

// keepAlive extends the lease every third of its TTL until ctx is cancelled
// or the lease is found to belong to someone else.
func (l *RedisLease) keepAlive(ctx context.Context, token string) {
	every := l.ttl / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Log.WithError(err).Warn("Failed to renew sync lease")
				continue
			}
			if extended == 0 {
				logger.Log.Error("Sync lease was lost while the cycle was running")
				return
			}
		}
	}
}
