// Package auditstore implements a supplemental, non-critical-path
// completion audit trail over SurrealDB. A promise's completion is never
// gated on a record landing here: writes are fire-and-forget, logged and
// dropped on failure, since the core's correctness (spec.md section 1)
// never depends on this trail existing.
package auditstore

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// Store writes completion records to SurrealDB.
type Store struct {
	db  *surrealdb.DB
	log *common.Logger
}

// Open connects, authenticates, and selects the configured namespace and
// database, defining the promise_completion table if it does not already
// exist.
func Open(log *common.Logger, cfg common.AuditingConfig) (*Store, error) {
	ctx := context.Background()

	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("auditstore: connect to %s: %w", cfg.Address, err)
	}

	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, map[string]interface{}{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			return nil, fmt.Errorf("auditstore: sign in: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("auditstore: select namespace/database: %w", err)
	}

	if _, err := surrealdb.Query[any](ctx, db, "DEFINE TABLE IF NOT EXISTS promise_completion SCHEMALESS", nil); err != nil {
		return nil, fmt.Errorf("auditstore: define table: %w", err)
	}

	log.Info().
		Str("address", cfg.Address).
		Str("namespace", cfg.Namespace).
		Str("database", cfg.Database).
		Msg("auditstore: connected")

	return &Store{db: db, log: log}, nil
}

// RecordCompletion writes one audit row for a promise transitioning to
// complete. Errors are logged and swallowed; see the package doc.
func (s *Store) RecordCompletion(promiseID models.PromiseId, schema models.SchemaTag, payloadSize int, failed bool, errMsg string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sql := `CREATE promise_completion SET
		promise_id = $promise_id, schema = $schema, payload_size = $payload_size,
		failed = $failed, error = $error, completed_at = $completed_at`
	vars := map[string]any{
		"promise_id":   promiseID.String(),
		"schema":       uint16(schema),
		"payload_size": payloadSize,
		"failed":       failed,
		"error":        errMsg,
		"completed_at": time.Now(),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		s.log.Warn().Err(err).Str("promise_id", promiseID.String()).Msg("auditstore: record completion failed, dropping")
	}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close(context.Background())
	return nil
}
