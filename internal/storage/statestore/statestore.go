// Package statestore persists per-rank checkpoint payloads in Badger.
//
// Each rank owns a store under <checkpoint dir>/rank-<n>. A payload is
// stored under its step as a blake2b-256 digest followed by the JSON
// encoding of the state; the digest is verified on every load.
package statestore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/yndnr/simctl/internal/core/domain"
)

var keyPrefix = []byte("state/")

// ErrNotFound is returned by Get when no payload exists for a step.
var ErrNotFound = errors.New("statestore: no payload for step")

// RankDir returns the store directory of rank inside a checkpoint directory.
func RankDir(checkpointDir string, rank int) string {
	return filepath.Join(checkpointDir, fmt.Sprintf("rank-%d", rank))
}

// Store is one rank's payload store.
type Store struct {
	db     *badger.DB
	dir    string
	logger *slog.Logger
}

// Open opens or creates the store in dir. Writes are synced.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("statestore: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", dir, err)
	}
	return &Store{db: db, dir: dir, logger: logger}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

func stepKey(step uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], step)
	return key
}

func encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(payload)
	record := make([]byte, 0, len(sum)+len(payload))
	record = append(record, sum[:]...)
	return append(record, payload...), nil
}

func decode(record []byte, v any) error {
	if len(record) < blake2b.Size256 {
		return domain.ErrPayloadCorrupt.WithDetailsf("record of %d bytes", len(record))
	}
	sum, payload := record[:blake2b.Size256], record[blake2b.Size256:]
	got := blake2b.Sum256(payload)
	if !bytes.Equal(sum, got[:]) {
		return domain.ErrPayloadCorrupt.WithDetails("digest mismatch")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.ErrPayloadCorrupt.WithCause(err)
	}
	return nil
}

// Put stores v as the payload of step, replacing any previous one.
func (s *Store) Put(step uint64, v any) error {
	record, err := encode(v)
	if err != nil {
		return domain.ErrCheckpointWrite.WithDetailsf("encode step %d", step).WithCause(err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stepKey(step), record)
	})
	if err != nil {
		return domain.ErrCheckpointWrite.WithDetailsf("store step %d", step).WithCause(err)
	}
	s.logger.Debug("payload stored", "dir", s.dir, "step", step, "bytes", len(record))
	return nil
}

// Get loads the payload of step into v.
func (s *Store) Get(step uint64, v any) error {
	var record []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stepKey(step))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return err
	}
	return decode(record, v)
}

// Steps returns the stored steps in ascending order.
func (s *Store) Steps() ([]uint64, error) {
	var steps []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != len(keyPrefix)+8 {
				continue
			}
			steps = append(steps, binary.BigEndian.Uint64(key[len(keyPrefix):]))
		}
		return nil
	})
	return steps, err
}

// Prune removes payloads for steps before the given step.
func (s *Store) Prune(before uint64) (int, error) {
	steps, err := s.Steps()
	if err != nil {
		return 0, err
	}
	deleted := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, step := range steps {
			if step >= before {
				break
			}
			if err := txn.Delete(stepKey(step)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("pruned payloads", "dir", s.dir, "before", before, "deleted_count", deleted)
	return deleted, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("statestore: close %s: %w", s.dir, err)
	}
	return nil
}

// badgerLogger adapts slog.Logger to Badger's Logger interface. Badger's
// info chatter is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
