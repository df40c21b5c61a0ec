package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockStore handles distributed session locking in Redis.
type LockStore struct {
	client *redis.Client
}

// NewLockStore creates a new LockStore.
func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

func sessionLockKey(sessionID string) string {
	return fmt.Sprintf("lock:session:%s", sessionID)
}

// AcquireSessionLock attempts to acquire the lock of a session for owner.
// Returns true if the lock was acquired, false if already held.
func (s *LockStore) AcquireSessionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, sessionLockKey(sessionID), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseSessionLock releases the lock of a session if owner still holds it.
func (s *LockStore) ReleaseSessionLock(ctx context.Context, sessionID, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{sessionLockKey(sessionID)}, owner).Err()
}
