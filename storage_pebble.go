package roomchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
)

// PebbleStorage is a durable QueueStorage backed by a Pebble database, so
// queued messages survive restarts.
type PebbleStorage struct {
	db     *pebble.DB
	logger *slog.Logger
}

// OpenPebbleStorage opens (or creates) a Pebble database at path. opts may
// be nil.
func OpenPebbleStorage(path string, opts *pebble.Options) (*PebbleStorage, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	logger := slog.Default().With("component", "offline", "store", "pebble")
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble open failed", "path", path, "error", err)
		return nil, fmt.Errorf("open queue store %s: %w", path, err)
	}
	logger.Debug("pebble opened", "path", path)
	return &PebbleStorage{db: db, logger: logger}, nil
}

func (s *PebbleStorage) Load(key string) ([]QueuedMessage, error) {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	defer closer.Close()
	return decodeQueue(data)
}

func (s *PebbleStorage) Save(key string, items []QueuedMessage) error {
	if len(items) == 0 {
		if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.logger.Error("queue save failed", "key", key, "error", err)
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Keys lists the stored queue keys with the given prefix.
func (s *PebbleStorage) Keys(prefix string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

// Close closes the database.
func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
