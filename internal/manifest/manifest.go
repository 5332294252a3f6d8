// Package manifest records, on the remote sink, one entry per durably written
// checkpoint in an embedded BadgerDB. The manifest is an audit trail: after a
// training job dies, an operator (or the acute-inspect CLI) can see which
// checkpoint files exist, how large they are, and when they landed, without
// stat-ing the checkpoint directory.
//
// Keys are "ckpt/<seq>" with a zero-padded monotonic sequence so iteration
// returns entries in write order. Values are JSON.
//
// © 2025 ACUTE authors. MIT License.
package manifest

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "ckpt/"

// Entry describes one flushed checkpoint.
type Entry struct {
	File      string    `json:"file"`
	Bytes     int       `json:"bytes"`
	Cycle     int       `json:"cycle"`
	WrittenAt time.Time `json:"written_at"`
}

// Store is a badger-backed manifest. Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the manifest database in dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Record appends one entry.
func (s *Store) Record(e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("manifest: encode entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		seq, err := s.nextSeq(txn)
		if err != nil {
			return err
		}
		return txn.Set([]byte(fmt.Sprintf("%s%012d", keyPrefix, seq)), val)
	})
	if err != nil {
		return fmt.Errorf("manifest: record: %w", err)
	}
	return nil
}

// nextSeq scans backwards for the highest existing sequence. Checkpoint
// cadence is seconds-to-minutes, so a reverse seek per write is cheap.
func (s *Store) nextSeq(txn *badger.Txn) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration needs a seek key past the last possible entry.
	it.Seek([]byte(keyPrefix + "~"))
	if !it.ValidForPrefix([]byte(keyPrefix)) {
		return 0, nil
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(it.Item().Key()), keyPrefix+"%d", &seq); err != nil {
		return 0, fmt.Errorf("manifest: corrupt key %q: %w", it.Item().Key(), err)
	}
	return seq + 1, nil
}

// List returns all entries in write order.
func (s *Store) List() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: list: %w", err)
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
