package store_test

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/vesaa/talonscope/internal/store"
	"gorm.io/gorm"
)

// openTestDB opens a fresh database file under t.TempDir.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "talonscope.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })
	return db
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

// captureLogs sends the default slog output to a buffer for the rest of the
// test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}
