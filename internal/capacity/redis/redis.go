package redis

import (
	"context"
	"fmt"
	"time"

	"ms-capacity/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type Redis struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewRedis(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{
		Client: client,
		Logger: log,
	}
}

func availabilityKey(scheduleID, variantID string) string {
	return fmt.Sprintf("capacity:available:%s:%s", scheduleID, variantID)
}

// GetAvailable returns the cached availability, ok=false on a miss.
func (r *Redis) GetAvailable(ctx context.Context, scheduleID, variantID string) (int, bool, error) {
	val, err := r.Client.Get(ctx, availabilityKey(scheduleID, variantID)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

func (r *Redis) SetAvailable(ctx context.Context, scheduleID, variantID string, available int, ttl time.Duration) error {
	return r.Client.Set(ctx, availabilityKey(scheduleID, variantID), available, ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, scheduleID, variantID string) error {
	return r.Client.Del(ctx, availabilityKey(scheduleID, variantID)).Err()
}

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a single-holder lock with a TTL. Each Lease carries its own token
// so another instance can never release it.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	log    *logger.Logger
}

func (r *Redis) NewLease(name string) *Lease {
	return &Lease{
		client: r.Client,
		key:    "capacity:lease:" + name,
		token:  uuid.NewString(),
		log:    r.Logger,
	}
}

func (l *Lease) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.log.Debug("REDIS", fmt.Sprintf("Acquired lease %s for %s", l.key, ttl))
	}
	return ok, nil
}

func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
