package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on top of a Redis server.
//
// Layout:
//   - record values live at "record:<path>" as JSON strings
//   - every committed write publishes the new value on "record-events:<path>";
//     deletions publish an empty payload
//
// ConditionalUpdate uses an optimistic WATCH/MULTI/EXEC transaction so the
// read-modify-write of a single record is atomic with respect to other
// writers of the same path. Cross-path operations get no such guarantee.

type Redis struct {
	client *redis.Client
}

const (
	redisRecordPrefix  = "record:"
	redisEventPrefix   = "record-events:"
	redisCASRetries    = 8
	redisScanBatchSize = 200
)

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	raw, err := r.client.Get(ctx, redisRecordPrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", path, err)
	}
	return raw, nil
}

func (r *Redis) Set(ctx context.Context, path string, value []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisRecordPrefix+path, value, 0)
	pipe.Publish(ctx, redisEventPrefix+path, value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	return r.ConditionalUpdate(ctx, path, func(old []byte) ([]byte, error) {
		return mergeFields(old, fields)
	})
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisRecordPrefix+path)
	pipe.Publish(ctx, redisEventPrefix+path, "")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: remove %s: %w", path, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var cursor uint64
	match := redisRecordPrefix + prefix + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, redisScanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("store: list %s: %w", prefix, err)
			}
			for i, key := range keys {
				s, ok := vals[i].(string)
				if !ok {
					continue // deleted between SCAN and MGET
				}
				out[strings.TrimPrefix(key, redisRecordPrefix)] = []byte(s)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *Redis) ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) error {
	key := redisRecordPrefix + path
	channel := redisEventPrefix + path

	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			old = nil
		} else if err != nil {
			return err
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				pipe.Publish(ctx, channel, "")
			} else {
				pipe.Set(ctx, key, next, 0)
				pipe.Publish(ctx, channel, next)
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisCASRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent write on this path; re-read and retry
		}
		// Errors from fn (including ErrAborted preconditions) pass through
		// unchanged so callers can inspect them.
		return err
	}
	return fmt.Errorf("store: conditional update %s: contention retries exhausted", path)
}

func (r *Redis) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	ps := r.client.PSubscribe(ctx, redisEventPrefix+pattern)
	// Force the subscription onto the wire before returning, so callers do
	// not miss writes issued immediately after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("store: subscribe %s: %w", pattern, err)
	}

	out := make(chan Event, memorySubBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := Event{Path: strings.TrimPrefix(msg.Channel, redisEventPrefix)}
				if msg.Payload != "" {
					ev.Value = []byte(msg.Payload)
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}
	}()

	var stopOnce func()
	stopped := false
	stopOnce = func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		_ = ps.Close()
	}
	return out, stopOnce, nil
}
