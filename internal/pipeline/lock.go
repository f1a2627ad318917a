package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/grenmap/grenmap-node/internal/runid"
)

// Locker keeps two reconciliation runs from touching the Store at once.
// Lock blocks until the lock is held or ctx is done; the returned func
// releases it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

// LocalLocker serializes runs inside one process.
type LocalLocker struct {
	sem chan struct{}
}

// NewLocalLocker returns an unlocked LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

// Lock waits for the lock or for ctx to be done. Calling the returned
// func more than once releases the lock only once.
func (l *LocalLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire pipeline lock: %w", ctx.Err())
	}
	released := false
	return func(context.Context) error {
		if released {
			return nil
		}
		released = true
		<-l.sem
		return nil
	}, nil
}

// ErrLockLost is returned on unlock when the lock expired and another
// holder took it in the meantime.
var ErrLockLost = errors.New("pipeline lock lost")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the expiry only if the key still holds our token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serializes runs across processes that share one Store,
// using a single Redis key set with NX and an expiry. The expiry is
// pushed back while the lock is held, so a run may outlast the ttl; the
// ttl only bounds how long a crashed holder blocks the others.
type RedisLocker struct {
	rdb    goredis.UniversalClient
	key    string
	ttl    time.Duration
	retry  time.Duration
	tokens runid.Generator
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithRetryInterval sets how long Lock waits between attempts.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.retry = d
	}
}

// WithTokens sets the generator for lock owner tokens.
func WithTokens(gen runid.Generator) RedisOption {
	return func(l *RedisLocker) {
		l.tokens = gen
	}
}

// NewRedisLocker returns a RedisLocker on key. ttl is the expiry of the
// key, renewed every third of it while held.
func NewRedisLocker(rdb goredis.UniversalClient, key string, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		rdb:    rdb,
		key:    key,
		ttl:    ttl,
		retry:  250 * time.Millisecond,
		tokens: runid.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock retries until the key is set or ctx is done. The returned func
// stops the renewal and deletes the key, reporting ErrLockLost when the
// key expired or changed hands while held.
func (l *RedisLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	token := l.tokens.Generate()
	for {
		ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire pipeline lock %s: %w", l.key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire pipeline lock %s: %w", l.key, ctx.Err())
		case <-timer.C:
		}
	}

	ka := startKeepAlive(renewInterval(l.ttl), func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int()
		return n == 1, err
	})

	return func(ctx context.Context) error {
		lost := ka.stop()
		n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("release pipeline lock %s: %w", l.key, err)
		}
		if lost || n == 0 {
			return fmt.Errorf("release pipeline lock %s: %w", l.key, ErrLockLost)
		}
		return nil
	}, nil
}

func renewInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d >= time.Millisecond {
		return d
	}
	return time.Millisecond
}

// keepAlive calls renew on a ticker until stopped, or until renew
// reports that the lock is no longer held. A failed call is retried on
// the next tick.
type keepAlive struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

func startKeepAlive(every time.Duration, renew func(context.Context) (bool, error)) *keepAlive {
	ctx, cancel := context.WithCancel(context.Background())
	k := &keepAlive{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(k.done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := renew(ctx)
			if err != nil {
				continue
			}
			if !held {
				k.lost.Store(true)
				return
			}
		}
	}()
	return k
}

// stop ends the renewal and reports whether the lock was found lost.
// It is safe to call more than once.
func (k *keepAlive) stop() bool {
	k.cancel()
	<-k.done
	return k.lost.Load()
}
