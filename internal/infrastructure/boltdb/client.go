package boltdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/fastygo/taskboard/internal/config"
)

// Bucket names shared by the local repositories.
var (
	BucketTasks         = []byte("tasks")
	BucketTasksByCreate = []byte("tasks_by_created")
	BucketMutations     = []byte("mutations")
	BucketMutationIndex = []byte("mutation_index")
)

var allBuckets = [][]byte{BucketTasks, BucketTasksByCreate, BucketMutations, BucketMutationIndex}

// Open initializes the local BoltDB file and ensures every bucket exists.
// A store that cannot be opened or fails verification is fatal for the client.
func Open(cfg config.StoreConfig, logger *zap.Logger) (*bolt.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, errors.New("local store path is empty")
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: timeout, ReadOnly: cfg.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", cfg.Path, err)
	}

	if cfg.ReadOnly {
		if err := db.View(func(tx *bolt.Tx) error {
			for _, name := range allBuckets {
				if tx.Bucket(name) == nil {
					return fmt.Errorf("bucket %s missing", name)
				}
			}
			return nil
		}); err != nil {
			db.Close()
			return nil, err
		}
	} else if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.Verify {
		if err := Verify(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("local store opened", zap.String("path", cfg.Path), zap.Bool("read_only", cfg.ReadOnly))
	return db, nil
}

// Verify runs bbolt's consistency check and returns the first problem found.
func Verify(db *bolt.DB) error {
	return db.View(func(tx *bolt.Tx) error {
		var errs []error
		for err := range tx.Check() {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("local store corrupt: %w", errors.Join(errs...))
		}
		return nil
	})
}

// Close releases the database and logs the result.
func Close(db *bolt.DB, logger *zap.Logger) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("local store closed")
	}
	return nil
}
