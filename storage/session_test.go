package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	ds, err := NewDataset(
		NewColumn("Year", []string{"2024", "2024"}),
		NewColumn("Month", []string{"1", "2"}),
		NewColumn("Sales", []string{"10", "20"}),
	)
	require.NoError(t, err)
	return ds
}

func TestSession_ApplyIsPure(t *testing.T) {
	original := NewSession("sales.csv", testDataset(t))

	edited, err := original.Apply("drop Year", func(ds *Dataset) (*Dataset, error) {
		return ds.Drop("Year"), nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, original.Current.NumColumns())
	assert.Empty(t, original.Edits)
	assert.Equal(t, 2, edited.Current.NumColumns())
	assert.Equal(t, []string{"drop Year"}, edited.Edits)
	assert.Same(t, original.Original, edited.Original)

	reset := edited.Reset()
	assert.Equal(t, 3, reset.Current.NumColumns())
	assert.Empty(t, reset.Edits)
}

func TestSession_ApplyError(t *testing.T) {
	s := NewSession("sales.csv", testDataset(t))
	_, err := s.Apply("fail", func(*Dataset) (*Dataset, error) {
		return nil, errors.New("bad edit")
	})
	assert.EqualError(t, err, "bad edit")
}

func TestSessionStore_PutGetUpdate(t *testing.T) {
	store, err := NewSessionStore(10, time.Hour)
	require.NoError(t, err)

	s := NewSession("sales.csv", testDataset(t))
	store.Put(s)

	got, ok := store.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	updated, err := store.Update(s.ID, func(cur Session) (Session, error) {
		return cur.Apply("drop Month", func(ds *Dataset) (*Dataset, error) {
			return ds.Drop("Month"), nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Current.NumColumns())

	_, err = store.Update("missing", func(cur Session) (Session, error) { return cur, nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)

	hits, misses := store.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestSessionStore_EvictsLeastRecentlyUsed(t *testing.T) {
	store, err := NewSessionStore(2, time.Hour)
	require.NoError(t, err)

	first := NewSession("a.csv", testDataset(t))
	second := NewSession("b.csv", testDataset(t))
	third := NewSession("c.csv", testDataset(t))
	store.Put(first)
	store.Put(second)
	store.Put(third)

	_, ok := store.Get(first.ID)
	assert.False(t, ok)
	assert.Equal(t, 2, store.Len())
}

func TestSessionStore_CleanupStale(t *testing.T) {
	store, err := NewSessionStore(10, time.Hour)
	require.NoError(t, err)

	stale := NewSession("old.csv", testDataset(t))
	stale.LastSeen = time.Now().Add(-2 * time.Hour)
	fresh := NewSession("new.csv", testDataset(t))
	store.Put(stale)
	store.Put(fresh)

	assert.Equal(t, 1, store.CleanupStale())
	_, ok := store.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = store.Get(stale.ID)
	assert.False(t, ok)
}

func TestStorageEngine_Cleanup(t *testing.T) {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	engine, err := NewStorageEngine(&StorageConfig{
		Sessions:  SessionStorageConfig{MaxSessions: 4, IdleTimeout: time.Minute},
		Artifacts: ArtifactStorageConfig{Backend: "memory", Retention: time.Minute},
	}, logger)
	require.NoError(t, err)

	old := NewArtifact("model.gob", "application/octet-stream", []byte{1}, nil)
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, engine.Artifacts().Save(context.Background(), old))

	require.NoError(t, engine.TriggerCleanup())
	_, err = engine.Artifacts().Load(context.Background(), old.ID)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	stats := engine.GetStorageStats()
	assert.Equal(t, "memory", stats.Artifacts.Backend)
	require.NoError(t, engine.Stop())
}

func TestStorageEngine_UnknownBackend(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewStorageEngine(&StorageConfig{
		Sessions:  SessionStorageConfig{MaxSessions: 1},
		Artifacts: ArtifactStorageConfig{Backend: "s3"},
	}, logger)
	assert.Error(t, err)
}
