package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StorageEngine coordinates the session tier (live, in memory) and the
// artifact tier (memory, file or redis backed)
type StorageEngine struct {
	sessions  *SessionStore
	artifacts ArtifactStore
	config    *StorageConfig
	logger    logrus.FieldLogger

	cleanupWorker *CleanupWorker
}

// StorageConfig contains configuration for the storage engine
type StorageConfig struct {
	Sessions  SessionStorageConfig
	Artifacts ArtifactStorageConfig
}

// SessionStorageConfig contains session tier configuration
type SessionStorageConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// ArtifactStorageConfig contains artifact tier configuration
type ArtifactStorageConfig struct {
	Backend       string // "memory", "file", "redis"
	DataPath      string
	Retention     time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// CleanupWorker periodically evicts idle sessions and expired artifacts
type CleanupWorker struct {
	engine   *StorageEngine
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStorageEngine creates the session and artifact tiers
func NewStorageEngine(config *StorageConfig, logger logrus.FieldLogger) (*StorageEngine, error) {
	sessions, err := NewSessionStore(config.Sessions.MaxSessions, config.Sessions.IdleTimeout)
	if err != nil {
		return nil, err
	}

	artifacts, err := newArtifactStore(config.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	engine := &StorageEngine{
		sessions:  sessions,
		artifacts: artifacts,
		config:    config,
		logger:    logger,
	}

	engine.cleanupWorker = &CleanupWorker{
		engine:   engine,
		interval: config.Sessions.CleanupInterval,
		stopChan: make(chan struct{}),
	}

	return engine, nil
}

func newArtifactStore(cfg ArtifactStorageConfig) (ArtifactStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryArtifactStore(cfg.Retention), nil
	case "file":
		return NewFileArtifactStore(cfg.DataPath, cfg.Retention)
	case "redis":
		return NewRedisArtifactStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// Sessions returns the session tier
func (se *StorageEngine) Sessions() *SessionStore {
	return se.sessions
}

// Artifacts returns the artifact tier
func (se *StorageEngine) Artifacts() ArtifactStore {
	return se.artifacts
}

// GetStorageStats returns counters for both tiers
func (se *StorageEngine) GetStorageStats() StorageStats {
	hits, misses := se.sessions.Stats()
	return StorageStats{
		Sessions: SessionStorageStats{
			Count:  se.sessions.Len(),
			Hits:   hits,
			Misses: misses,
		},
		Artifacts: ArtifactStorageStats{
			Backend: se.backendName(),
		},
	}
}

func (se *StorageEngine) backendName() string {
	if se.config.Artifacts.Backend == "" {
		return "memory"
	}
	return se.config.Artifacts.Backend
}

// Start begins the cleanup worker
func (se *StorageEngine) Start() {
	if se.cleanupWorker.interval > 0 {
		se.cleanupWorker.Start()
	}
}

// Stop shuts down the cleanup worker and closes the artifact tier
func (se *StorageEngine) Stop() error {
	if se.cleanupWorker.interval > 0 {
		se.cleanupWorker.Stop()
	}

	if err := se.artifacts.Close(); err != nil {
		return fmt.Errorf("failed to close artifact storage: %w", err)
	}

	return nil
}

// TriggerCleanup manually triggers cleanup of idle sessions and expired artifacts
func (se *StorageEngine) TriggerCleanup() error {
	return se.performCleanup()
}

func (se *StorageEngine) performCleanup() error {
	sessionsCleaned := se.sessions.CleanupStale()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	artifactsCleaned, err := se.artifacts.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to cleanup artifact storage: %w", err)
	}

	se.logger.WithFields(logrus.Fields{
		"sessions":  sessionsCleaned,
		"artifacts": artifactsCleaned,
	}).Debug("Storage cleanup finished")
	return nil
}

func (cw *CleanupWorker) Start() {
	cw.wg.Add(1)
	go cw.run()
}

func (cw *CleanupWorker) Stop() {
	close(cw.stopChan)
	cw.wg.Wait()
}

func (cw *CleanupWorker) run() {
	defer cw.wg.Done()

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cw.stopChan:
			return
		case <-ticker.C:
			if err := cw.engine.performCleanup(); err != nil {
				cw.engine.logger.WithError(err).Warn("Cleanup error")
			}
		}
	}
}

// StorageStats represents storage tier statistics
type StorageStats struct {
	Sessions  SessionStorageStats  `json:"sessions"`
	Artifacts ArtifactStorageStats `json:"artifacts"`
}

type SessionStorageStats struct {
	Count  int   `json:"count"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type ArtifactStorageStats struct {
	Backend string `json:"backend"`
}
