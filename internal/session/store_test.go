// Package session_test provides tests for the file-backed stores.
package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/session"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newSessionDoc(asset string) *types.Session {
	return &types.Session{
		ID:        "session_test_" + asset,
		Asset:     asset,
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    types.SessionActive,
		Portfolio: types.Portfolio{
			CashBalance:    decimal.NewFromInt(10000),
			TotalValue:     decimal.NewFromInt(10000),
			InitialCapital: decimal.NewFromInt(10000),
		},
		PeakValue: decimal.NewFromInt(10000),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := session.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, "SOL/USDT"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	doc := newSessionDoc("SOL/USDT")
	if err := store.Put(ctx, doc); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("Expected version bumped to 1, got %d", doc.Version)
	}

	loaded, err := store.Get(ctx, "SOL/USDT")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.ID != doc.ID || loaded.Version != 1 {
		t.Errorf("Round trip mismatch: id=%s version=%d", loaded.ID, loaded.Version)
	}
	if !loaded.Portfolio.CashBalance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Portfolio not preserved: %s", loaded.Portfolio.CashBalance)
	}

	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("Expected 1 session listed, got %d", len(sessions))
	}
}

func TestFileStoreVersionConflict(t *testing.T) {
	store, err := session.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	doc := newSessionDoc("SOL/USDT")
	if err := store.Put(ctx, doc); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Two readers take the same version; the second writer loses.
	first, _ := store.Get(ctx, "SOL/USDT")
	second, _ := store.Get(ctx, "SOL/USDT")

	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("First writer failed: %v", err)
	}
	if err := store.Put(ctx, second); !errors.Is(err, session.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestConfigStore(t *testing.T) {
	store, err := session.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if _, err := store.GetConfig(ctx, "missing"); !errors.Is(err, session.ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got %v", err)
	}

	config := engineConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := store.SaveConfig(ctx, "conservative", config); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := store.GetConfig(ctx, "conservative")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if loaded.BullishStrategy.Name != "bull" {
		t.Errorf("Config not preserved: %s", loaded.BullishStrategy.Name)
	}
	if loaded.RegimeWindow != config.RegimeWindow {
		t.Errorf("Expected regime window %d, got %d", config.RegimeWindow, loaded.RegimeWindow)
	}

	names, err := store.ListConfigs(ctx)
	if err != nil {
		t.Fatalf("ListConfigs failed: %v", err)
	}
	if len(names) != 1 || names[0] != "conservative" {
		t.Errorf("Unexpected config list: %v", names)
	}

	if err := store.DeleteConfig(ctx, "conservative"); err != nil {
		t.Fatalf("DeleteConfig failed: %v", err)
	}
	if err := store.DeleteConfig(ctx, "conservative"); !errors.Is(err, session.ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound on double delete, got %v", err)
	}
}
