package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still carries the holder's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ActionLockKey builds the redis key guarding one action of one console session.
func ActionLockKey(sessionID, action string) string {
	return fmt.Sprintf("console:%s:action:%s:lock", sessionID, action)
}

// ActionLock rejects a second submission of the same action while the first
// one is still outstanding.
type ActionLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewActionLock constructs an ActionLock. ttl bounds how long a crashed request
// can hold the lock.
func NewActionLock(client *redis.Client, ttl time.Duration) *ActionLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ActionLock{client: client, ttl: ttl}
}

// Acquire takes the lock or returns ErrActionInFlight. The returned release
// func must be called once the action finishes; it never removes a lock taken by
// a later submission after this one outlived the ttl.
func (l *ActionLock) Acquire(ctx context.Context, sessionID, action string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := ActionLockKey(sessionID, action)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("action lock: %w", err)
	}
	if !ok {
		return nil, ErrActionInFlight
	}
	return func() {
		// Release with a fresh context so a cancelled request still frees the lock.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			slog.Default().Warn("action lock release failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		if n == 0 {
			slog.Default().Debug("action lock expired before release", slog.String("key", key))
		}
	}, nil
}
