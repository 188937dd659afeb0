package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var allTargets = []Target{TargetRequest, TargetProcess, TargetResponse, TargetCache}

// BoltStore is the default, embedded broker backend: one bbolt bucket per
// target, keyed by an auto-incrementing sequence number so insertion order
// survives restarts and duplicate keys are representable.
type BoltStore struct {
	db *bolt.DB
}

type boltEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// OpenBoltStore opens (creating if necessary) a bbolt-backed Store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("broker: open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range allTargets {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("create bucket %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func (s *BoltStore) Add(_ context.Context, target Target, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(boltEntry{Key: key, Value: value})
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// firstMatch scans a bucket in insertion order and returns the sequence key
// and decoded entry of the first entry whose Key equals key.
func firstMatch(b *bolt.Bucket, key string) (seq []byte, entry boltEntry, found bool, err error) {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var e boltEntry
		if jsonErr := json.Unmarshal(v, &e); jsonErr != nil {
			// Corrupted entry: skipped, not fatal; it is not logged.
			continue
		}
		if e.Key == key {
			seqCopy := append([]byte(nil), k...)
			return seqCopy, e, true, nil
		}
	}
	return nil, boltEntry{}, false, nil
}

func (s *BoltStore) Remove(_ context.Context, target Target, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		seq, _, found, err := firstMatch(b, key)
		if err != nil || !found {
			return err
		}
		return b.Delete(seq)
	})
}

func (s *BoltStore) Update(_ context.Context, target Target, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		seq, _, found, err := firstMatch(b, key)
		if err != nil || !found {
			return err
		}
		data, err := json.Marshal(boltEntry{Key: key, Value: value})
		if err != nil {
			return err
		}
		return b.Put(seq, data)
	})
}

func (s *BoltStore) Get(_ context.Context, target Target, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		_, entry, found, err := firstMatch(b, key)
		if err != nil {
			return err
		}
		if !found {
			return ErrAbsent
		}
		value = entry.Value
		return nil
	})
	return value, err
}

func (s *BoltStore) GetKeys(_ context.Context, target Target) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		return b.ForEach(func(_, v []byte) error {
			var e boltEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // corrupted entry: skip, not fatal
			}
			keys = append(keys, e.Key)
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) GetAllItems(_ context.Context, target Target) ([]Item, error) {
	var items []Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		return b.ForEach(func(_, v []byte) error {
			var e boltEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			items = append(items, Item{Key: e.Key, Value: e.Value})
			return nil
		})
	})
	return items, err
}

func (s *BoltStore) Pop(_ context.Context, target Target) (Item, error) {
	var (
		item  Item
		found bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e boltEntry
			if err := json.Unmarshal(v, &e); err != nil {
				// Corrupted entry: skip past it rather than block the queue.
				if delErr := c.Delete(); delErr != nil {
					return delErr
				}
				continue
			}
			item = Item{Key: e.Key, Value: e.Value}
			found = true
			return c.Delete()
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, ErrAbsent
	}
	return item, nil
}

func (s *BoltStore) IsItem(_ context.Context, target Target, key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(target))
		if b == nil {
			return fmt.Errorf("broker: unknown target %s", target)
		}
		_, _, ok, err := firstMatch(b, key)
		found = ok
		return err
	})
	return found, err
}
