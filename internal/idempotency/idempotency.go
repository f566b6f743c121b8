// Package idempotency implements the keyed deduplication half of
// spec.md §4.5: claim and submit may carry a client-supplied key so a
// retried call returns the original response without re-executing the
// mutation. Lookup and insert happen inside the same transaction as
// the mutation they guard.
package idempotency

import (
	"database/sql"
	"time"

	"github.com/taskforge/coordinator/internal/store"
)

// DefaultTTL is the retention window for idempotency records
// (spec.md §3, §6: 24h).
const DefaultTTL = 24 * time.Hour

// WithKey executes fn at most once per key within ttl, inside tx.
//
// If key is empty, idempotency is not requested: fn always runs.
// If a still-valid record for key exists, its recorded response is
// returned unchanged and fn is not called (replayed=true). Otherwise
// fn runs, its result is recorded against key, and the fresh response
// is returned (replayed=false).
func WithKey(tx *sql.Tx, key string, ttl time.Duration, fn func() ([]byte, error)) (response []byte, replayed bool, err error) {
	if key == "" {
		response, err = fn()
		return response, false, err
	}

	result, err := store.LookupIdempotencyKeyTx(tx, key, ttl)
	if err != nil {
		return nil, false, err
	}
	if result.Found {
		return result.Response, true, nil
	}

	response, err = fn()
	if err != nil {
		return nil, false, err
	}
	if err := store.RecordIdempotencyKeyTx(tx, key, response); err != nil {
		return nil, false, err
	}
	return response, false, nil
}
