// Package infra provides the go-redis v9 adapters behind the control
// plane's narrow backend interfaces: Redis Streams for the gateway and
// sorted-set sliding windows for the rate limiter. The composition root
// falls back to the in-memory implementations when Redis is unreachable.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// NewRedisClient connects and verifies with a ping. The caller decides
// whether a connection failure means fallback or fatal.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	log.New(log.Writer(), "[REDIS] ", log.LstdFlags).Printf("✅ connected: addr=%s db=%d", addr, db)
	return rdb, nil
}

// RedisStreamBackend implements stream.Backend on Redis Streams: one
// XADD-backed stream per configured stream name, consumer groups for
// durable cursors, and SET NX EX keys for the duplicate window.
type RedisStreamBackend struct {
	rdb *redis.Client

	mu        sync.RWMutex
	streams   map[string]stream.StreamConfig
	consumers map[string]stream.ConsumerConfig // "stream/consumer"
	// delivery counts are tracked per (stream, consumer, entry id) because
	// XREADGROUP does not carry them; XPENDING does, but one round trip
	// per fetch is cheaper than one per message.
	deliveries map[string]int
}

// NewRedisStreamBackend wraps a connected client.
func NewRedisStreamBackend(rdb *redis.Client) *RedisStreamBackend {
	return &RedisStreamBackend{
		rdb:        rdb,
		streams:    make(map[string]stream.StreamConfig),
		consumers:  make(map[string]stream.ConsumerConfig),
		deliveries: make(map[string]int),
	}
}

func streamKey(name string) string { return "kpi:stream:" + name }
func dedupKey(name, msgID string) string {
	return "kpi:dedup:" + name + ":" + msgID
}

// EnsureStream records the config and applies retention trimming settings.
// Redis streams are created lazily on first XADD; a config conflict with a
// previously registered shape fails.
func (b *RedisStreamBackend) EnsureStream(ctx context.Context, cfg stream.StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.streams[cfg.Name]; ok {
		if !streamShapeEqual(existing, cfg) {
			return fmt.Errorf("%w: %s", stream.ErrConfigConflict, cfg.Name)
		}
		return nil
	}
	b.streams[cfg.Name] = cfg
	return nil
}

func streamShapeEqual(a, b stream.StreamConfig) bool {
	if a.Name != b.Name || a.MaxAge != b.MaxAge || a.MaxBytes != b.MaxBytes ||
		a.MaxMsgs != b.MaxMsgs || a.Retention != b.Retention || len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return true
}

// Append XADDs the message, guarding the duplicate window with SET NX EX on
// the message id. Returns the approximate sequence (entry timestamp part).
func (b *RedisStreamBackend) Append(ctx context.Context, streamName, subject string, payload []byte, msgID string) (uint64, error) {
	b.mu.RLock()
	cfg, ok := b.streams[streamName]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, streamName)
	}

	if msgID != "" {
		set, err := b.rdb.SetNX(ctx, dedupKey(streamName, msgID), 1, cfg.DuplicateWindow).Result()
		if err != nil {
			return 0, fmt.Errorf("dedup check: %w", err)
		}
		if !set {
			return 0, stream.ErrDuplicateID
		}
	}

	args := &redis.XAddArgs{
		Stream: streamKey(streamName),
		Values: map[string]interface{}{
			"subject": subject,
			"payload": payload,
			"msgId":   msgID,
			"ts":      time.Now().UnixNano(),
		},
	}
	if cfg.MaxMsgs > 0 {
		args.MaxLen = cfg.MaxMsgs
		args.Approx = true
	}

	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		// Roll the dedup key back so a transient failure is retryable.
		if msgID != "" {
			b.rdb.Del(context.WithoutCancel(ctx), dedupKey(streamName, msgID))
		}
		return 0, fmt.Errorf("xadd: %w", err)
	}
	return entrySeq(id), nil
}

// entrySeq converts a Redis entry id (ms-seq) to a single ordered uint64.
func entrySeq(id string) uint64 {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseUint(parts[0], 10, 64)
	var seq uint64
	if len(parts) == 2 {
		seq, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	return ms<<16 | (seq & 0xffff)
}

// EnsureConsumer creates the consumer group, idempotently.
func (b *RedisStreamBackend) EnsureConsumer(ctx context.Context, cfg stream.ConsumerConfig) error {
	start := "0"
	if cfg.Deliver == stream.DeliverNew || cfg.Deliver == stream.DeliverLast {
		start = "$"
	}
	err := b.rdb.XGroupCreateMkStream(ctx, streamKey(cfg.Stream), cfg.Name, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s/%s: %w", cfg.Stream, cfg.Name, err)
	}

	b.mu.Lock()
	b.consumers[cfg.Stream+"/"+cfg.Name] = cfg
	b.mu.Unlock()
	return nil
}

// Fetch claims pending-but-stale entries first (redeliveries), then reads
// new entries for the group.
func (b *RedisStreamBackend) Fetch(ctx context.Context, streamName, consumer string, batch int, maxWait time.Duration) ([]stream.Envelope, error) {
	key := streamKey(streamName)

	cfg, ok := b.consumerConfig(streamName, consumer)
	if !ok {
		return nil, fmt.Errorf("consumer not found: %s/%s", streamName, consumer)
	}

	var envs []stream.Envelope

	// Redeliveries: XAUTOCLAIM entries idle past the ack wait.
	claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    consumer,
		Consumer: consumer,
		MinIdle:  cfg.AckWait,
		Start:    "0",
		Count:    int64(batch),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	for _, msg := range claimed {
		envs = append(envs, b.envelope(streamName, consumer, msg, true))
	}

	if len(envs) >= batch {
		return envs, nil
	}

	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumer,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    int64(batch - len(envs)),
		Block:    maxWait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return envs, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			envs = append(envs, b.envelope(streamName, consumer, msg, false))
		}
	}
	return envs, nil
}

func (b *RedisStreamBackend) consumerConfig(streamName, consumer string) (stream.ConsumerConfig, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.consumers[streamName+"/"+consumer]
	return cfg, ok
}

func (b *RedisStreamBackend) envelope(streamName, consumer string, msg redis.XMessage, redelivered bool) stream.Envelope {
	env := stream.Envelope{
		Stream:   streamName,
		Seq:      entrySeq(msg.ID),
		AckToken: msg.ID,
	}
	if v, ok := msg.Values["subject"].(string); ok {
		env.Subject = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		env.Payload = []byte(v)
	}
	if v, ok := msg.Values["msgId"].(string); ok {
		env.MsgID = v
	}
	if v, ok := msg.Values["ts"].(string); ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			env.Timestamp = time.Unix(0, ns)
		}
	}

	dkey := streamName + "/" + consumer + "/" + msg.ID
	b.mu.Lock()
	b.deliveries[dkey]++
	if redelivered {
		// Idle-claimed entries were delivered at least once before.
		if b.deliveries[dkey] < 2 {
			b.deliveries[dkey] = 2
		}
	}
	env.Deliveries = b.deliveries[dkey]
	b.mu.Unlock()
	return env
}

// Ack acknowledges the entry and forgets its delivery count.
func (b *RedisStreamBackend) Ack(ctx context.Context, streamName, consumer string, env stream.Envelope) error {
	if err := b.rdb.XAck(ctx, streamKey(streamName), consumer, env.AckToken).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	b.mu.Lock()
	delete(b.deliveries, streamName+"/"+consumer+"/"+env.AckToken)
	b.mu.Unlock()
	return nil
}

// Nak leaves the entry pending; the next XAUTOCLAIM past the ack wait
// redelivers it. Nothing to do server-side.
func (b *RedisStreamBackend) Nak(_ context.Context, _, _ string, _ stream.Envelope) error {
	return nil
}

// StreamInfo reports the stream's observable state from XINFO/XLEN.
func (b *RedisStreamBackend) StreamInfo(ctx context.Context, name string) (stream.StreamInfo, error) {
	b.mu.RLock()
	cfg, ok := b.streams[name]
	b.mu.RUnlock()
	if !ok {
		return stream.StreamInfo{}, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, name)
	}

	info := stream.StreamInfo{Config: cfg}
	xinfo, err := b.rdb.XInfoStream(ctx, streamKey(name)).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return info, nil // not yet written to
		}
		return stream.StreamInfo{}, fmt.Errorf("xinfo: %w", err)
	}
	info.Messages = uint64(xinfo.Length)
	info.FirstSeq = entrySeq(xinfo.FirstEntry.ID)
	info.LastSeq = entrySeq(xinfo.LastEntry.ID)
	return info, nil
}

// Streams lists every registered stream.
func (b *RedisStreamBackend) Streams(ctx context.Context) ([]stream.StreamInfo, error) {
	b.mu.RLock()
	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	b.mu.RUnlock()

	out := make([]stream.StreamInfo, 0, len(names))
	for _, name := range names {
		info, err := b.StreamInfo(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

var _ stream.Backend = (*RedisStreamBackend)(nil)
