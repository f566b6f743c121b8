package idempotency

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/taskforge/coordinator/internal/store"
)

func setupTestDB(t *testing.T) (*store.Store, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "idempotency-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	s, err := store.Open(f.Name(), store.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return s, func() {
		s.Close()
		os.Remove(f.Name())
	}
}

// TestIdempotentReplay is spec.md §8 scenario 4: the second submit
// with the same key returns the first response unchanged and does not
// execute the mutation again.
func TestIdempotentReplay(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	calls := 0
	run := func(payload string) (response []byte, replayed bool) {
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			resp, wasReplayed, err := WithKey(tx, "K", DefaultTTL, func() ([]byte, error) {
				calls++
				return []byte(payload), nil
			})
			response, replayed = resp, wasReplayed
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return response, replayed
	}

	resp1, replayed1 := run(`{"x":1}`)
	if replayed1 {
		t.Fatal("expected first call to not be a replay")
	}
	resp2, replayed2 := run(`{"x":2}`)
	if !replayed2 {
		t.Fatal("expected second call with same key to be a replay")
	}
	if string(resp1) != string(resp2) {
		t.Fatalf("responses differ: %s vs %s", resp1, resp2)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (mutation executed once)", calls)
	}
}

func TestEmptyKeyAlwaysExecutes(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			_, _, err := WithKey(tx, "", DefaultTTL, func() ([]byte, error) {
				calls++
				return []byte("ok"), nil
			})
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (no key means no dedup)", calls)
	}
}
