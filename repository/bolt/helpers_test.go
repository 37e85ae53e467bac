package bolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bbolt "go.etcd.io/bbolt"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/internal/config"
	"github.com/fastygo/taskboard/internal/infrastructure/boltdb"
)

func openTestDB(t *testing.T) (*bbolt.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskboard.db")
	db, err := boltdb.Open(config.StoreConfig{Path: path, Verify: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func newTestTask(id string, created time.Time) *domain.Task {
	return &domain.Task{
		ID:         id,
		Title:      "task " + id,
		Deadline:   domain.NewDate(created).AddDays(3),
		Importance: 5,
		Status:     domain.StatusInProgress,
		Version:    1,
		CreatedAt:  created,
		UpdatedAt:  created,
		SyncState:  domain.SyncPending,
	}
}
