package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the broker backend for deployments that run the frontend,
// job controller, and response handler as separate processes: each target
// is an ordered list of sequence IDs plus a hash of sequence ID to entry,
// mirroring BoltStore's sequence-keyed layout so both backends share the
// same FIFO-with-duplicate-keys semantics.
//
// Per-target atomicity is enforced with an in-process mutex; it does not
// protect against races between independent RedisStore processes sharing
// the same Redis instance.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu    sync.Mutex
	locks map[Target]*sync.Mutex
}

// NewRedisStore connects to the Redis instance at url (a redis:// URL) and
// returns a Store backed by it. prefix namespaces all keys, so multiple
// services can share one Redis instance.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "usermetrics:broker:"
	}
	return &RedisStore{client: client, prefix: prefix, locks: make(map[Target]*sync.Mutex)}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) lockFor(target Target) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[target]
	if !ok {
		l = &sync.Mutex{}
		s.locks[target] = l
	}
	return l
}

func (s *RedisStore) orderKey(target Target) string { return s.prefix + string(target) + ":order" }
func (s *RedisStore) itemsKey(target Target) string { return s.prefix + string(target) + ":items" }
func (s *RedisStore) seqKey(target Target) string   { return s.prefix + string(target) + ":seq" }

func (s *RedisStore) Add(ctx context.Context, target Target, key, value string) error {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	seq, err := s.client.Incr(ctx, s.seqKey(target)).Result()
	if err != nil {
		return fmt.Errorf("broker: redis incr: %w", err)
	}
	data, err := json.Marshal(boltEntry{Key: key, Value: value})
	if err != nil {
		return err
	}
	seqStr := fmt.Sprintf("%d", seq)
	if err := s.client.HSet(ctx, s.itemsKey(target), seqStr, data).Err(); err != nil {
		return fmt.Errorf("broker: redis hset: %w", err)
	}
	return s.client.RPush(ctx, s.orderKey(target), seqStr).Err()
}

// scan returns, in FIFO order, every (seq, entry) pair currently recorded
// for target, skipping corrupted entries.
func (s *RedisStore) scan(ctx context.Context, target Target) ([]string, []boltEntry, error) {
	seqs, err := s.client.LRange(ctx, s.orderKey(target), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("broker: redis lrange: %w", err)
	}
	if len(seqs) == 0 {
		return nil, nil, nil
	}
	raws, err := s.client.HMGet(ctx, s.itemsKey(target), seqs...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("broker: redis hmget: %w", err)
	}

	outSeqs := make([]string, 0, len(seqs))
	entries := make([]boltEntry, 0, len(seqs))
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // entry expired/missing: skip, not fatal
		}
		var e boltEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue // corrupted entry: skip, not fatal
		}
		outSeqs = append(outSeqs, seqs[i])
		entries = append(entries, e)
	}
	return outSeqs, entries, nil
}

func (s *RedisStore) Remove(ctx context.Context, target Target, key string) error {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	seqs, entries, err := s.scan(ctx, target)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.Key == key {
			return s.deleteSeq(ctx, target, seqs[i])
		}
	}
	return nil // no-op if absent, per broker.Store contract
}

func (s *RedisStore) deleteSeq(ctx context.Context, target Target, seq string) error {
	if err := s.client.LRem(ctx, s.orderKey(target), 1, seq).Err(); err != nil {
		return fmt.Errorf("broker: redis lrem: %w", err)
	}
	return s.client.HDel(ctx, s.itemsKey(target), seq).Err()
}

func (s *RedisStore) Update(ctx context.Context, target Target, key, value string) error {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	seqs, entries, err := s.scan(ctx, target)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.Key == key {
			data, err := json.Marshal(boltEntry{Key: key, Value: value})
			if err != nil {
				return err
			}
			return s.client.HSet(ctx, s.itemsKey(target), seqs[i], data).Err()
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, target Target, key string) (string, error) {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	_, entries, err := s.scan(ctx, target)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Key == key {
			return e.Value, nil
		}
	}
	return "", ErrAbsent
}

func (s *RedisStore) GetKeys(ctx context.Context, target Target) ([]string, error) {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	_, entries, err := s.scan(ctx, target)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

func (s *RedisStore) GetAllItems(ctx context.Context, target Target) ([]Item, error) {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	_, entries, err := s.scan(ctx, target)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(entries))
	for i, e := range entries {
		items[i] = Item{Key: e.Key, Value: e.Value}
	}
	return items, nil
}

func (s *RedisStore) Pop(ctx context.Context, target Target) (Item, error) {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	for {
		seq, err := s.client.LPop(ctx, s.orderKey(target)).Result()
		if err == redis.Nil {
			return Item{}, ErrAbsent
		}
		if err != nil {
			return Item{}, fmt.Errorf("broker: redis lpop: %w", err)
		}
		raw, err := s.client.HGet(ctx, s.itemsKey(target), seq).Result()
		if err == redis.Nil {
			continue // entry vanished: treat as corrupted, try the next one
		}
		if err != nil {
			return Item{}, fmt.Errorf("broker: redis hget: %w", err)
		}
		if delErr := s.client.HDel(ctx, s.itemsKey(target), seq).Err(); delErr != nil {
			return Item{}, delErr
		}
		var e boltEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue // corrupted entry: skip, not fatal
		}
		return Item{Key: e.Key, Value: e.Value}, nil
	}
}

func (s *RedisStore) IsItem(ctx context.Context, target Target, key string) (bool, error) {
	l := s.lockFor(target)
	l.Lock()
	defer l.Unlock()

	_, entries, err := s.scan(ctx, target)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Key == key {
			return true, nil
		}
	}
	return false, nil
}
