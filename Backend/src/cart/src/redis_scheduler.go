package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisPopBatch = 100

// Saca del sorted set, de forma atómica, los items cuyo score (vencimiento en ms) ya pasó.
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due > 0 then
  redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

type redisScheduler struct {
	rdb      *redis.Client
	key      string
	interval time.Duration
	log      zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type RedisOption func(*redis.Options)

func WithRedisPassword(password string) RedisOption {
	return func(o *redis.Options) { o.Password = password }
}

func WithRedisDB(db int) RedisOption {
	return func(o *redis.Options) { o.DB = db }
}

func newRedisClient(addr string, opts ...RedisOption) *redis.Client {
	o := &redis.Options{Addr: addr}
	for _, opt := range opts {
		opt(o)
	}
	return redis.NewClient(o)
}

func NewRedisScheduler(rdb *redis.Client, key string, interval time.Duration, log zerolog.Logger) *redisScheduler {
	return &redisScheduler{rdb: rdb, key: key, interval: interval, log: log}
}

func (s *redisScheduler) ScheduleRelease(ctx context.Context, itemID int64, delay time.Duration) error {
	fireAt := time.Now().Add(delay).UnixMilli()
	if err := s.rdb.ZAdd(ctx, s.key, redis.Z{Score: float64(fireAt), Member: itemID}).Err(); err != nil {
		return fmt.Errorf("schedule release of item %d: %w", itemID, err)
	}
	return nil
}

func (s *redisScheduler) Start(ctx context.Context, release ReleaseFunc) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if _, err := s.pollDue(ctx, now, release); err != nil && ctx.Err() == nil {
					s.log.Error().Err(err).Str("key", s.key).Msg("release poll failed")
				}
			}
		}
	}()
	return nil
}

// pollDue ejecuta las liberaciones vencidas a la hora now y devuelve cuántas encontró.
func (s *redisScheduler) pollDue(ctx context.Context, now time.Time, release ReleaseFunc) (int, error) {
	total := 0
	for {
		ids, err := popDueScript.Run(ctx, s.rdb, []string{s.key}, now.UnixMilli(), redisPopBatch).StringSlice()
		if err != nil {
			return total, err
		}
		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.log.Error().Err(err).Str("member", raw).Msg("release: invalid item id")
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, releaseTimeout)
			release(rctx, id)
			cancel()
		}
		total += len(ids)
		if len(ids) < redisPopBatch {
			return total, nil
		}
	}
}

func (s *redisScheduler) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.rdb.Close()
}
