package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrArtifactNotFound is returned for unknown or expired artifacts
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact is a downloadable binary blob such as a trained model
type Artifact struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	ContentType string            `json:"content_type"`
	Data        []byte            `json:"data"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewArtifact stamps a new artifact with an ID and creation time
func NewArtifact(name, contentType string, data []byte, metadata map[string]string) Artifact {
	return Artifact{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType,
		Data:        data,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}
}

// ArtifactStore persists artifacts across requests
type ArtifactStore interface {
	Save(ctx context.Context, a Artifact) error
	Load(ctx context.Context, id string) (Artifact, error)
	Delete(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}

// MemoryArtifactStore keeps artifacts in process memory
type MemoryArtifactStore struct {
	artifacts map[string]Artifact
	retention time.Duration
	mu        sync.RWMutex
}

// NewMemoryArtifactStore creates an in-memory store
func NewMemoryArtifactStore(retention time.Duration) *MemoryArtifactStore {
	return &MemoryArtifactStore{artifacts: make(map[string]Artifact), retention: retention}
}

func (m *MemoryArtifactStore) Save(_ context.Context, a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.ID] = a
	return nil
}

func (m *MemoryArtifactStore) Load(_ context.Context, id string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return Artifact{}, ErrArtifactNotFound
	}
	return a, nil
}

func (m *MemoryArtifactStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, id)
	return nil
}

func (m *MemoryArtifactStore) CleanupExpired(_ context.Context) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.retention)
	removed := 0
	for id, a := range m.artifacts {
		if a.CreatedAt.Before(cutoff) {
			delete(m.artifacts, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryArtifactStore) Close() error { return nil }

var artifactIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// FileArtifactStore writes each artifact as a JSON document under a data path
type FileArtifactStore struct {
	dataPath  string
	retention time.Duration
	mu        sync.RWMutex
}

// NewFileArtifactStore creates the data directory if needed
func NewFileArtifactStore(dataPath string, retention time.Duration) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dataPath, err)
	}
	return &FileArtifactStore{dataPath: dataPath, retention: retention}, nil
}

func (f *FileArtifactStore) path(id string) (string, error) {
	if !artifactIDPattern.MatchString(id) {
		return "", ErrArtifactNotFound
	}
	return filepath.Join(f.dataPath, id+".artifact.json"), nil
}

func (f *FileArtifactStore) Save(_ context.Context, a Artifact) error {
	path, err := f.path(a.ID)
	if err != nil {
		return fmt.Errorf("invalid artifact id %q", a.ID)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", a.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit artifact %s: %w", a.ID, err)
	}
	return nil
}

func (f *FileArtifactStore) Load(_ context.Context, id string) (Artifact, error) {
	path, err := f.path(id)
	if err != nil {
		return Artifact{}, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, ErrArtifactNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read artifact %s: %w", id, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("failed to decode artifact %s: %w", id, err)
	}
	return a, nil
}

func (f *FileArtifactStore) Delete(_ context.Context, id string) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return nil
}

func (f *FileArtifactStore) CleanupExpired(_ context.Context) (int, error) {
	if f.retention <= 0 {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dataPath)
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts: %w", err)
	}
	cutoff := time.Now().Add(-f.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(f.dataPath, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (f *FileArtifactStore) Close() error { return nil }

// RedisArtifactStore keeps artifacts in Redis with a TTL
type RedisArtifactStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisArtifactStore connects and pings the server
func NewRedisArtifactStore(addr, password string, db int, retention time.Duration) (*RedisArtifactStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisArtifactStore{client: client, prefix: "artifact:", retention: retention}, nil
}

func (r *RedisArtifactStore) Save(ctx context.Context, a Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+a.ID, data, r.retention).Err(); err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", a.ID, err)
	}
	return nil
}

func (r *RedisArtifactStore) Load(ctx context.Context, id string) (Artifact, error) {
	data, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if err == redis.Nil {
		return Artifact{}, ErrArtifactNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to load artifact %s: %w", id, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("failed to decode artifact %s: %w", id, err)
	}
	return a, nil
}

func (r *RedisArtifactStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}

// CleanupExpired is a no-op; Redis expires keys itself
func (r *RedisArtifactStore) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

func (r *RedisArtifactStore) Close() error {
	return r.client.Close()
}
