package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "harvester/pkg/logx"
)

const (
	DefaultKey = "harvester:pass"
	DefaultTTL = 2 * time.Minute
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Redis is a Locker backed by SET NX with a per-acquisition token. While
// held, the TTL is refreshed every TTL/3 so long passes keep the lock.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	log    logx.Logger
}

func NewRedis(client redis.Cmdable, key string, ttl time.Duration, log logx.Logger) *Redis {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, key: key, ttl: ttl, log: log}
}

func (l *Redis) TryAcquire(ctx context.Context) (ReleaseFunc, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, stop, done)

	var (
		once   sync.Once
		relErr error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
			n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
			switch {
			case err != nil:
				relErr = fmt.Errorf("release %s: %w", l.key, err)
			case n == 0:
				relErr = fmt.Errorf("release %s: lock expired before release", l.key)
			}
		})
		return relErr
	}, nil
}

func (l *Redis) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				l.log.Warn("pass lock refresh failed", logx.String("key", l.key), logx.Err(err))
				continue
			}
			if err == nil && n == 0 {
				l.log.Warn("pass lock lost", logx.String("key", l.key))
				return
			}
		}
	}
}
