package store

import (
	"context"
	"database/sql"
	"time"
)

// IdempotencyResult is what LookupIdempotencyKey returns: the raw
// serialized response bytes recorded at first execution, plus whether
// a (still valid) record was found.
type IdempotencyResult struct {
	Found    bool
	Response []byte
}

// LookupIdempotencyKeyTx checks whether key is already recorded and
// within ttl, inside an existing transaction so the caller can decide,
// in the same commit, whether to execute the mutation or short-circuit
// (spec.md §4.5). No TTL purge happens here — purge is the control
// loop's job (§4.6).
func LookupIdempotencyKeyTx(tx *sql.Tx, key string, ttl time.Duration) (IdempotencyResult, error) {
	var response string
	var createdAt time.Time
	err := tx.QueryRow(`SELECT response, created_at FROM idempotency_keys WHERE key = ?`, key).Scan(&response, &createdAt)
	if err == sql.ErrNoRows {
		return IdempotencyResult{}, nil
	}
	if err != nil {
		return IdempotencyResult{}, classifyErr(err, "lookup idempotency key")
	}
	if time.Since(createdAt) > ttl {
		return IdempotencyResult{}, nil
	}
	return IdempotencyResult{Found: true, Response: []byte(response)}, nil
}

// RecordIdempotencyKeyTx inserts key with its serialized response in
// the same transaction as the mutation it guards.
func RecordIdempotencyKeyTx(tx *sql.Tx, key string, response []byte) error {
	_, err := tx.Exec(`
		INSERT INTO idempotency_keys (key, response, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, string(response), time.Now().UTC())
	return classifyErr(err, "record idempotency key")
}

// PurgeIdempotencyKeys deletes records older than ttl in bounded
// batches so the hourly GC sweep never holds a long lock (spec.md
// §4.6). Returns the number of rows removed in this call.
func (s *Store) PurgeIdempotencyKeys(ctx context.Context, ttl time.Duration, batchSize int) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM idempotency_keys WHERE key IN (
				SELECT key FROM idempotency_keys WHERE created_at < ? LIMIT ?
			)
		`, cutoff, batchSize)
		if err != nil {
			return classifyErr(err, "purge idempotency keys")
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}
