package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSQLStore_EnsureSchemaTwice(t *testing.T) {
	t.Parallel()

	s := newSQLiteStore(t)
	assert.NoError(t, s.EnsureSchema(context.Background()))
}

func TestSQLStore_DuplicateBucketRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.InsertRows(ctx, HashRelation, []Row{{TableID: 1, Bucket: 4, NodeID: 1}}))
	assert.Error(t, s.InsertRows(ctx, HashRelation, []Row{{TableID: 1, Bucket: 4, NodeID: 2}}))
}

func TestInTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openSQLite(t)
	logger := zaptest.NewLogger(t)
	require.NoError(t, NewSQLStore(db, logger).EnsureSchema(ctx))

	err := InTx(ctx, db, logger, func(s Store) error {
		return s.InsertRows(ctx, RoundRobinRelation, []Row{{TableID: 1, DatabaseID: 1, NodeID: 2}})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = InTx(ctx, db, logger, func(s Store) error {
		if err := s.InsertRows(ctx, RoundRobinRelation, []Row{{TableID: 1, DatabaseID: 1, NodeID: 3}}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// the failed transaction was rolled back
	rows, err := NewSQLStore(db, logger).SelectRows(ctx, RoundRobinRelation, 1)
	require.NoError(t, err)
	assert.Equal(t, []Row{{TableID: 1, DatabaseID: 1, NodeID: 2}}, rows)
}

func TestInsertStatement(t *testing.T) {
	t.Parallel()

	query, args := insertStatement(HashRelation, []Row{
		{TableID: 1, DatabaseID: 2, Bucket: 0, NodeID: 9},
		{TableID: 1, DatabaseID: 2, Bucket: 1, NodeID: 8},
	})
	assert.Equal(t, "INSERT INTO partition_hash (bucket_index, table_id, database_id, node_id) VALUES (?, ?, ?, ?), (?, ?, ?, ?)", query)
	assert.Equal(t, []any{int64(0), int64(1), int64(2), int64(9), int64(1), int64(1), int64(2), int64(8)}, args)

	query, args = insertStatement(ReplicatedRelation, []Row{{TableID: 1, DatabaseID: 2, NodeID: 9}})
	assert.Equal(t, "INSERT INTO partition_replicated (table_id, database_id, node_id) VALUES (?, ?, ?)", query)
	assert.Equal(t, []any{int64(1), int64(2), int64(9)}, args)
}

func TestSQLStore_Atomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, s.InsertRows(ctx, ReplicatedRelation, []Row{{TableID: 7, DatabaseID: 1, NodeID: 1}}))

	// a replacement failing after the delete leaves the old rows in place
	boom := errors.New("boom")
	err := s.Atomically(ctx, func(tx Store) error {
		if _, err := tx.DeleteRows(ctx, ReplicatedRelation, 7); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rows, err := s.SelectRows(ctx, ReplicatedRelation, 7)
	require.NoError(t, err)
	assert.Equal(t, []Row{{TableID: 7, DatabaseID: 1, NodeID: 1}}, rows)

	err = s.Atomically(ctx, func(tx Store) error {
		if _, err := tx.DeleteRows(ctx, ReplicatedRelation, 7); err != nil {
			return err
		}
		return tx.InsertRows(ctx, ReplicatedRelation, []Row{{TableID: 7, DatabaseID: 1, NodeID: 2}})
	})
	require.NoError(t, err)

	rows, err = s.SelectRows(ctx, ReplicatedRelation, 7)
	require.NoError(t, err)
	assert.Equal(t, []Row{{TableID: 7, DatabaseID: 1, NodeID: 2}}, rows)
}
