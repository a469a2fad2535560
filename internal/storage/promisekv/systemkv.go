package promisekv

import (
	"context"
	"fmt"

	"github.com/timshannon/badgerhold/v4"
)

// systemEntry is a small document-API record for server bookkeeping
// (schema version, last build timestamp) that sits alongside the raw
// promise blobs. Grounded on the teacher's KVEntry/kvStorage pattern: it
// goes through BadgerHold's Get/Upsert rather than raw transactions,
// since these keys are ordinary strings with no fixed binary layout.
type systemEntry struct {
	Key   string `badgerhold:"key"`
	Value string
}

// GetSystem reads one system bookkeeping value. ok is false if key is
// unset.
func (s *Store) GetSystem(_ context.Context, key string) (string, bool, error) {
	var entry systemEntry
	err := s.hold.Get(key, &entry)
	if err == badgerhold.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("promisekv: get system key %q: %w", key, err)
	}
	return entry.Value, true, nil
}

// SetSystem writes one system bookkeeping value, overwriting any previous
// value.
func (s *Store) SetSystem(_ context.Context, key, value string) error {
	entry := systemEntry{Key: key, Value: value}
	if err := s.hold.Upsert(key, &entry); err != nil {
		return fmt.Errorf("promisekv: set system key %q: %w", key, err)
	}
	return nil
}
