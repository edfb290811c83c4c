package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func()

// Locker gives one writer at a time per thread id.
type Locker interface {
	Lock(ctx context.Context, threadID string) (UnlockFunc, error)
}

// KeyedMutex serializes callers per key inside one process. Waiting honours
// ctx cancellation, and idle keys are released.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*keySlot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, threadID string) (UnlockFunc, error) {
	k.mu.Lock()
	slot, ok := k.slots[threadID]
	if !ok {
		slot = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[threadID] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(threadID, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			k.release(threadID, slot)
		})
	}, nil
}

func (k *KeyedMutex) release(threadID string, slot *keySlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, threadID)
	}
}

var ErrLockAcquire = errors.New("failed to acquire thread lock")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// RedisLocker serializes turns across processes sharing one Redis.
// The lock key expires after ttl so a crashed holder cannot wedge a thread;
// a live holder refreshes it every ttl/3 until it unlocks.
type RedisLocker struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(client *backend.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
	}
}

func (l *RedisLocker) key(threadID string) string {
	return l.prefix + "lock:" + threadID
}

func (l *RedisLocker) Lock(ctx context.Context, threadID string) (UnlockFunc, error) {
	lockKey := l.key(threadID)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", ErrLockAcquire, err)
		}
		if ok {
			return l.hold(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) hold(lockKey, token string) UnlockFunc {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lockKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The turn is over; use a fresh context so a cancelled
			// request still releases its lock.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.client.Eval(releaseCtx, unlockScript, []string{lockKey}, token).Err()
		})
	}
}

func (l *RedisLocker) keepAlive(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := l.client.Eval(ctx, renewScript, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("lock_key", lockKey).Msg("failed to refresh thread lock")
			continue
		}
		if n == 0 {
			log.Error().Str("lock_key", lockKey).Msg("thread lock lost before unlock")
			return
		}
	}
}
