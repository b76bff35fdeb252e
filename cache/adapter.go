package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/questforge/cache/local"
	cacheredis "github.com/kasuganosora/questforge/cache/redis"
	"github.com/kasuganosora/questforge/config"
)

// Cache is the shared state the engine keeps outside its own memory: reset
// leases (SetNX), token revocations (Set/Exists) and the quest-points
// leaderboard (ZSet). A Redis backend lets several instances share it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZAddMany(ctx context.Context, key string, members []ScoredMember) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZScore(ctx context.Context, key, member string) (float64, error)

	Close() error
}

// ScoredMember is one sorted-set entry.
type ScoredMember = local.ScoredMember

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub carries engine notifications between instances and SSE streams.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
	Close() error
}

const defaultPubSubBuf = 256

// IsNotFound reports whether err is a missing-key error from either backend.
func IsNotFound(err error) bool {
	return errors.Is(err, local.ErrNotFound) || errors.Is(err, cacheredis.ErrNotFound)
}

func redisConfig(cfg config.CacheConfig) cacheredis.Config {
	return cacheredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewCache returns a Redis cache when redis_addr is configured and an
// in-process one otherwise.
func NewCache(cfg config.CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		return cacheredis.NewCache(redisConfig(cfg))
	}
	return local.NewCache(local.Config{GCInterval: cfg.LocalGCInterval})
}

// NewPubSub mirrors NewCache for the notification channel.
func NewPubSub(cfg config.CacheConfig) (PubSub, error) {
	bufSize := cfg.LocalPubSubBuf
	if bufSize <= 0 {
		bufSize = defaultPubSubBuf
	}
	if cfg.RedisAddr != "" {
		rps, err := cacheredis.NewPubSub(redisConfig(cfg))
		if err != nil {
			return nil, err
		}
		return &pubSub[*cacheredis.RedisMessage]{
			publish:   rps.Publish,
			subscribe: rps.Subscribe,
			close:     rps.Close,
			convert: func(m *cacheredis.RedisMessage) *Message {
				return &Message{Channel: m.Channel, Payload: m.Payload}
			},
			buf: bufSize,
		}, nil
	}
	lps := local.NewPubSub(bufSize)
	return &pubSub[*local.Message]{
		publish:   lps.Publish,
		subscribe: lps.Subscribe,
		close:     func() error { lps.Close(); return nil },
		convert: func(m *local.Message) *Message {
			return &Message{Channel: m.Channel, Payload: m.Payload}
		},
		buf: bufSize,
	}, nil
}

// pubSub bridges a backend's message type to Message.
type pubSub[M any] struct {
	publish   func(ctx context.Context, channel, message string) error
	subscribe func(ctx context.Context, channels ...string) (<-chan M, func(), error)
	close     func() error
	convert   func(M) *Message
	buf       int
}

func (p *pubSub[M]) Publish(ctx context.Context, channel, message string) error {
	return p.publish(ctx, channel, message)
}

func (p *pubSub[M]) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel, err := p.subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, p.buf)
	go func() {
		defer close(out)
		for msg := range in {
			out <- p.convert(msg)
		}
	}()
	return out, cancel, nil
}

func (p *pubSub[M]) Close() error { return p.close() }
