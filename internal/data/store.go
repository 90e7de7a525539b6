// Package data provides candle storage and retrieval. The live engine only
// ever replays series that were persisted by an upstream collector: a
// missing series is an error, never fabricated data.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-trader/pkg/types"
	"go.uber.org/zap"
)

// ErrNoData indicates no candle series exists for the symbol/timeframe.
var ErrNoData = fmt.Errorf("no candle data")

// CandleSource is the engine's view of the candle collaborator. Returned
// candles are ascending by timestamp and may be fewer than requested.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error)
	LatestCandles(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Candle, error)
}

// Store serves candle series from JSON files with an in-memory cache.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]types.Candle
}

// NewStore creates a candle store rooted at dataDir.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create candle directory: %w", err)
	}
	return &Store{
		logger:  logger,
		dataDir: dataDir,
		cache:   make(map[string][]types.Candle),
	}, nil
}

func seriesKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s_%s", strings.ReplaceAll(symbol, "/", "-"), timeframe)
}

func (s *Store) load(symbol string, timeframe types.Timeframe) ([]types.Candle, error) {
	key := seriesKey(symbol, timeframe)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	filename := filepath.Join(s.dataDir, key+".json")
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrNoData, symbol, timeframe)
		}
		return nil, fmt.Errorf("read candle file: %w", err)
	}

	var candles []types.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, fmt.Errorf("parse candle file %s: %w", filename, err)
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})

	s.cache[key] = candles
	return candles, nil
}

// FetchCandles returns the candles within [start, end], ascending.
func (s *Store) FetchCandles(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	candles, err := s.load(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	var out []types.Candle
	for _, c := range candles {
		if !c.Timestamp.Before(start) && !c.Timestamp.After(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

// LatestCandles returns up to limit of the most recent candles, ascending.
func (s *Store) LatestCandles(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Candle, error) {
	candles, err := s.load(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]types.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// SaveCandles persists a series and refreshes the cache. Used by the
// upstream collector and by tests.
func (s *Store) SaveCandles(symbol string, timeframe types.Timeframe, candles []types.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]types.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	raw, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}
	key := seriesKey(symbol, timeframe)
	filename := filepath.Join(s.dataDir, key+".json")
	if err := os.WriteFile(filename, raw, 0o644); err != nil {
		return fmt.Errorf("write candle file: %w", err)
	}
	s.cache[key] = sorted
	return nil
}

// ClearCache drops the in-memory cache, forcing reloads from disk.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Candle)
}
