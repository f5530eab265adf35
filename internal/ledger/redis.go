package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"labkeeper/internal/expiry"
	logx "labkeeper/pkg/logx"
)

const defaultLockTTL = 10 * time.Minute

// saveNewerScript writes field/value pairs, skipping fields that already hold a newer date.
var saveNewerScript = redis.NewScript(`
local key = KEYS[1]
for i = 1, #ARGV, 2 do
	local cur = redis.call('HGET', key, ARGV[i])
	if (not cur) or cur < ARGV[i + 1] then
		redis.call('HSET', key, ARGV[i], ARGV[i + 1])
	end
end
return 1
`)

// releaseLockScript deletes the lock only if it still holds our token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewLockScript extends the lock only if it still holds our token.
var renewLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

type redisStore struct {
	client  *redis.Client
	hashKey string
	lockKey string
	lockTTL time.Duration
	log     logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("ledger redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return newRedisStore(client, cfg, log), nil
}

func newRedisStore(client *redis.Client, cfg Config, log logx.Logger) *redisStore {
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "labkeeper:"
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &redisStore{
		client:  client,
		hashKey: prefix + "ledger",
		lockKey: prefix + "ledger:lock",
		lockTTL: ttl,
		log:     log.With(logx.String("ledger", "redis")),
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Lock(ctx context.Context) (func() error, error) {
	token := uuid.NewString()
	t := time.NewTicker(lockRetry)
	defer t.Stop()
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey, token, s.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
			}
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
		case <-t.C:
		}
	}

	// The TTL only covers a crashed holder; a live run keeps extending it.
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go s.renewLock(token, stop, renewed)

	var once sync.Once
	unlock := func() error {
		once.Do(func() {
			close(stop)
			<-renewed
		})
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return releaseLockScript.Run(rctx, s.client, []string{s.lockKey}, token).Err()
	}
	return unlock, nil
}

// renewLock extends the lock every third of its TTL until stop is closed or
// the lock turns out to belong to someone else.
func (s *redisStore) renewLock(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := s.lockTTL / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := renewLockScript.Run(ctx, s.client, []string{s.lockKey}, token, s.lockTTL.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			s.log.Warn("ledger lock renew failed", logx.Err(err))
		case n == 0:
			s.log.Error("ledger lock lost; another run may hold it")
			return
		}
	}
}

func (s *redisStore) Load(ctx context.Context) (*Ledger, error) {
	m, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	entries := make([]Entry, 0, len(m))
	for field, v := range m {
		id, c, ok := splitField(field)
		if !ok {
			s.log.Warn("skipping ledger field", logx.String("field", field))
			continue
		}
		d, err := expiry.ParseDay(v)
		if err != nil {
			s.log.Warn("skipping ledger field", logx.String("field", field), logx.String("value", v))
			continue
		}
		entries = append(entries, Entry{ItemID: id, Category: c, LastSent: d})
	}
	return FromEntries(entries), nil
}

// splitField splits "itemID|category" at the last separator; item ids may
// contain "|", categories never do.
func splitField(field string) (string, expiry.Category, bool) {
	i := strings.LastIndex(field, "|")
	if i <= 0 {
		return "", "", false
	}
	c, err := expiry.ParseCategory(field[i+1:])
	if err != nil {
		return "", "", false
	}
	return field[:i], c, true
}

func (s *redisStore) Save(ctx context.Context, l *Ledger) error {
	entries := l.Entries()
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		args = append(args, e.ItemID+"|"+string(e.Category), expiry.FormatDay(e.LastSent))
	}
	if err := saveNewerScript.Run(ctx, s.client, []string{s.hashKey}, args...).Err(); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}
