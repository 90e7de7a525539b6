// Package session owns the paper trading session lifecycle: persistence,
// the per-tick decision pipeline and the start/update/stop operations.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/atlas-desktop/regime-trader/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrSessionExists is returned by Start when the asset already has a
	// session that is not fully stopped.
	ErrSessionExists = errors.New("session already exists for asset")

	// ErrSessionNotFound is returned when no session document exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionStopped is returned by operations on a stopped session.
	ErrSessionStopped = errors.New("session is stopped")

	// ErrConfigNotFound is returned when a named config does not exist.
	ErrConfigNotFound = errors.New("config not found")

	// ErrVersionConflict signals a lost optimistic-concurrency race: the
	// stored document moved on since this copy was read.
	ErrVersionConflict = errors.New("session version conflict")
)

// Store is the engine's view of session persistence. Put performs the
// optimistic version check and bumps the version on success.
type Store interface {
	Get(ctx context.Context, asset string) (*types.Session, error)
	Put(ctx context.Context, session *types.Session) error
	List(ctx context.Context) ([]*types.Session, error)
}

// ConfigStore persists named engine configurations for reuse across
// sessions.
type ConfigStore interface {
	SaveConfig(ctx context.Context, name string, config *types.EngineConfig) error
	GetConfig(ctx context.Context, name string) (*types.EngineConfig, error)
	ListConfigs(ctx context.Context) ([]string, error)
	DeleteConfig(ctx context.Context, name string) error
}

// FileStore is a JSON-file implementation of Store and ConfigStore. One
// document per asset; writes are temp-file plus rename so a crash never
// leaves a torn session on disk.
type FileStore struct {
	mu      sync.Mutex
	logger  *zap.Logger
	baseDir string
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(logger *zap.Logger, baseDir string) (*FileStore, error) {
	for _, dir := range []string{
		filepath.Join(baseDir, "sessions"),
		filepath.Join(baseDir, "configs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &FileStore{logger: logger, baseDir: baseDir}, nil
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, "/", "-")
}

func (fs *FileStore) sessionPath(asset string) string {
	return filepath.Join(fs.baseDir, "sessions", sanitize(asset)+".json")
}

func (fs *FileStore) configPath(name string) string {
	return filepath.Join(fs.baseDir, "configs", sanitize(name)+".json")
}

func writeAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (fs *FileStore) readSession(asset string) (*types.Session, error) {
	raw, err := os.ReadFile(fs.sessionPath(asset))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, asset)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session types.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", asset, err)
	}
	return &session, nil
}

// Get returns the session document for an asset.
func (fs *FileStore) Get(ctx context.Context, asset string) (*types.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readSession(asset)
}

// Put writes the session after verifying the caller's copy is current.
// The stored version must equal the caller's; on success the version is
// incremented and written through to the caller's struct.
func (fs *FileStore) Put(ctx context.Context, session *types.Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	existing, err := fs.readSession(session.Asset)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if existing != nil && existing.Version != session.Version {
		return fmt.Errorf("%w: have %d, stored %d",
			ErrVersionConflict, session.Version, existing.Version)
	}

	session.Version++
	if err := writeAtomic(fs.sessionPath(session.Asset), session); err != nil {
		session.Version--
		return err
	}
	return nil
}

// List returns every stored session, any status.
func (fs *FileStore) List(ctx context.Context) ([]*types.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var sessions []*types.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		asset := strings.TrimSuffix(entry.Name(), ".json")
		session, err := fs.readSession(asset)
		if err != nil {
			fs.logger.Warn("skipping unreadable session file",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// SaveConfig stores a named engine configuration.
func (fs *FileStore) SaveConfig(ctx context.Context, name string, config *types.EngineConfig) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeAtomic(fs.configPath(name), config)
}

// GetConfig loads a named engine configuration.
func (fs *FileStore) GetConfig(ctx context.Context, name string) (*types.EngineConfig, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	raw, err := os.ReadFile(fs.configPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, name)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var config types.EngineConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", name, err)
	}
	return &config, nil
}

// ListConfigs returns the names of all stored configurations.
func (fs *FileStore) ListConfigs(ctx context.Context) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "configs"))
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return names, nil
}

// DeleteConfig removes a named configuration.
func (fs *FileStore) DeleteConfig(ctx context.Context, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.configPath(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
		}
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}
