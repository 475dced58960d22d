package testutil

import (
	"testing"

	"alertflow/internal/config"
	"alertflow/internal/state"

	"github.com/google/uuid"
)

// NewStore opens a migrated private in-memory store closed on test cleanup.
// Params: test handle.
// Returns: ready store.
func NewStore(tb testing.TB) *state.GormStore {
	tb.Helper()

	store, err := state.NewGormStore(config.StoreConfig{
		DSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		Migrate:      true,
	})
	if err != nil {
		tb.Fatalf("open store: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })
	return store
}
