// Package promisekv implements the on-disk KV engine behind
// interfaces.KVEngine, backed by BadgerHold/Badger (spec.md section 1:
// "the choice of on-disk KV engine... any ordered hash-indexed KV store
// with variable-length values"). The promise store's wire format (section
// 6: a fixed 12-byte key, a length-prefixed value) is written straight
// through the underlying *badger.DB transactions BadgerHold wraps, rather
// than through BadgerHold's document API, since the keys here are already
// a fixed binary layout with no secondary indexes to maintain.
package promisekv

import (
	"context"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// Store is the concrete interfaces.KVEngine.
type Store struct {
	hold *badgerhold.Store
	db   *badger.DB
	log  *common.Logger
	opts Options
}

var _ interfaces.KVEngine = (*Store)(nil)

// Options configures the underlying Badger instance (spec.md section 1's
// "any... store with... a per-session cache" is BadgerHold's default
// block cache, left untouched here).
type Options struct {
	Path        string
	Preallocate bool // reserved: no corresponding BadgerHold knob yet
	DeleteOnDispose bool
	HashIndexSize   int
}

// Open creates or reopens a promise KV store at opts.Path.
func Open(log *common.Logger, opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("promisekv: create directory %s: %w", opts.Path, err)
	}

	bo := badgerhold.DefaultOptions
	bo.Dir = opts.Path
	bo.ValueDir = opts.Path
	bo.Logger = nil
	if opts.HashIndexSize > 0 {
		bo.ValueLogFileSize = int64(opts.HashIndexSize)
	}

	hold, err := badgerhold.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("promisekv: open badger database: %w", err)
	}

	log.Debug().Str("path", opts.Path).Msg("promisekv: store opened")

	return &Store{hold: hold, db: hold.Badger(), log: log, opts: opts}, nil
}

// keyBytes copies the PromiseId's fixed-width encoding into a slice, since
// *badger.Txn wants a []byte and PromiseId.KeyBytes returns a fixed array.
func keyBytes(id models.PromiseId) []byte {
	b := id.KeyBytes()
	return b[:]
}

// Put writes blob under id's fixed key, using the on-disk record format
// from models.EncodeBlob (section 6).
func (s *Store) Put(_ context.Context, id models.PromiseId, blob models.PromiseBlob) error {
	raw, err := models.EncodeBlob(blob)
	if err != nil {
		return fmt.Errorf("promisekv: encode blob for %s: %w", id, err)
	}
	key := keyBytes(id)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
	if err != nil {
		return fmt.Errorf("promisekv: put %s: %w", id, err)
	}
	return nil
}

// Get reads and decodes the blob stored under id. ok is false if the key
// is absent.
func (s *Store) Get(_ context.Context, id models.PromiseId) (models.PromiseBlob, bool, error) {
	key := keyBytes(id)
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return models.PromiseBlob{}, false, nil
	}
	if err != nil {
		return models.PromiseBlob{}, false, fmt.Errorf("promisekv: get %s: %w", id, err)
	}

	blob, err := models.DecodeBlob(raw)
	if err != nil {
		return models.PromiseBlob{}, false, fmt.Errorf("promisekv: decode %s: %w", id, err)
	}
	return blob, true, nil
}

// Close closes the underlying database, optionally removing its directory
// (Options.DeleteOnDispose, used by tests to avoid leaving data behind).
func (s *Store) Close() error {
	if s.hold == nil {
		return nil
	}
	err := s.hold.Close()
	s.log.Debug().Msg("promisekv: store closed")
	if err != nil {
		return err
	}
	if s.opts.DeleteOnDispose && s.opts.Path != "" {
		if rmErr := os.RemoveAll(s.opts.Path); rmErr != nil {
			return fmt.Errorf("promisekv: delete-on-dispose %s: %w", s.opts.Path, rmErr)
		}
	}
	return nil
}
