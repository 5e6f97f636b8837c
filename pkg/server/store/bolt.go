package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltStore keeps mapping rows in a local bbolt file, one bucket per relation
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBoltStore opens (or creates) the catalog file at path
func OpenBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt catalog %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, rel := range Relations() {
			if _, err := tx.CreateBucketIfNotExists([]byte(rel)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bolt catalog buckets: %w", err)
	}

	logger.Info("Opened bolt catalog", zap.String("path", path))
	return &BoltStore{db: db, logger: logger}, nil
}

// Close releases the catalog file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// InsertRows writes all rows in one bolt transaction
func (s *BoltStore) InsertRows(ctx context.Context, rel Relation, rows []Row) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(rel))
		for _, row := range rows {
			value, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put(boltRowKey(row.TableID, row.Ordinal(rel)), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %s rows: %w", rel, err)
	}
	return nil
}

// SelectRows scans the table key range, keys sort in catalog order
func (s *BoltStore) SelectRows(ctx context.Context, rel Relation, tableID int64) ([]Row, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []Row
	prefix := boltTablePrefix(tableID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(rel)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedRow, err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s rows: %w", rel, err)
	}
	return rows, nil
}

// DeleteRows removes the table key range
func (s *BoltStore) DeleteRows(ctx context.Context, rel Relation, tableID int64) (int64, error) {
	if err := rel.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	prefix := boltTablePrefix(tableID)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(rel))

		// collect first, deleting under a live cursor skips keys
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = int64(len(keys))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s rows: %w", rel, err)
	}
	return deleted, nil
}

func boltTablePrefix(tableID int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(tableID))
}

func boltRowKey(tableID, ordinal int64) []byte {
	return binary.BigEndian.AppendUint64(boltTablePrefix(tableID), uint64(ordinal))
}
