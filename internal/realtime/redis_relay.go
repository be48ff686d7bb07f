package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRelayStream = "monitorhub:rooms"
	defaultRelayMaxLen = 1000
	payloadField       = "payload"
)

// RedisRelayConfig configures the Redis Streams relay.
type RedisRelayConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	Stream     string
	// Group names this instance's consumer group. Every instance needs its
	// own group so each one sees every message; a random name is used when
	// empty.
	Group        string
	MaxLen       int64
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
}

type RedisRelay struct {
	client       redis.UniversalClient
	stream       string
	group        string
	maxLen       int64
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	closeOnce sync.Once
}

// NewRedisRelay connects to Redis and creates this instance's consumer group
// positioned at the stream tail.
func NewRedisRelay(ctx context.Context, cfg RedisRelayConfig) (*RedisRelay, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis relay addr is required")
	}

	relay := &RedisRelay{
		stream:       strings.TrimSpace(cfg.Stream),
		group:        strings.TrimSpace(cfg.Group),
		maxLen:       cfg.MaxLen,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
	}
	if relay.stream == "" {
		relay.stream = defaultRelayStream
	}
	if relay.group == "" {
		relay.group = "monitorhub-" + uuid.NewString()
	}
	if relay.maxLen <= 0 {
		relay.maxLen = defaultRelayMaxLen
	}
	if relay.blockTimeout <= 0 {
		relay.blockTimeout = 2 * time.Second
	}
	if relay.buffer <= 0 {
		relay.buffer = 128
	}
	if relay.logger == nil {
		relay.logger = slog.Default()
	}

	relay.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := relay.client.XGroupCreateMkStream(ctx, relay.stream, relay.group, "$").Err(); err != nil && !isBusyGroup(err) {
		relay.client.Close()
		return nil, fmt.Errorf("create relay group: %w", err)
	}
	return relay, nil
}

// Group reports the consumer group owned by this instance.
func (r *RedisRelay) Group() string {
	return r.group
}

func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		ID:     "*",
		Values: []any{payloadField, string(payload)},
	}).Err()
}

func (r *RedisRelay) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		relay:  r,
		cancel: cancel,
		ch:     make(chan Message, r.buffer),
	}
	go sub.run(ctx)
	return sub
}

// Close removes this instance's group and releases the client. Open
// subscriptions end once their pending read returns.
func (r *RedisRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if destroyErr := r.client.XGroupDestroy(ctx, r.stream, r.group).Err(); destroyErr != nil {
			r.logger.Warn("redis relay group cleanup failed", "group", r.group, "error", destroyErr)
		}
		err = r.client.Close()
	})
	return err
}

type redisSubscription struct {
	relay  *RedisRelay
	cancel context.CancelFunc
	ch     chan Message
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.cancel()
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	consumer := s.relay.group
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := s.relay.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.relay.group,
			Consumer: consumer,
			Streams:  []string{s.relay.stream, ">"},
			Count:    32,
			Block:    s.relay.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.relay.logger.Warn("redis relay read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg, err := decodeStreamEntry(entry)
				if err != nil {
					s.relay.logger.Error("redis relay decode failed", "id", entry.ID, "error", err)
					s.ack(ctx, entry.ID)
					continue
				}
				select {
				case s.ch <- msg:
					s.ack(ctx, entry.ID)
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.relay.client.XAck(ctx, s.relay.stream, s.relay.group, id).Err(); err != nil && ctx.Err() == nil {
		s.relay.logger.Warn("redis relay ack failed", "id", id, "error", err)
	}
}

func decodeStreamEntry(entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values[payloadField]
	if !ok {
		return Message{}, errors.New("missing payload field")
	}
	text, ok := raw.(string)
	if !ok {
		return Message{}, fmt.Errorf("unexpected payload type %T", raw)
	}
	var msg Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
