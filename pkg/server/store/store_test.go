package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

// etcdEndpointEnv points the etcd backend tests at a running cluster
const etcdEndpointEnv = "PLACEMENT_ETCD_ENDPOINT"

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		return newSQLiteStore(t)
	})
}

func TestBoltStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenBoltStore(filepath.Join(t.TempDir(), "catalog.db"), zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() {
			assert.NoError(t, s.Close())
		})
		return s
	})
}

func TestEtcdStore(t *testing.T) {
	endpoint := os.Getenv(etcdEndpointEnv)
	if endpoint == "" {
		t.Skipf("%s is not set", etcdEndpointEnv)
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoint, ","),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	runStoreSuite(t, func(t *testing.T) Store {
		prefix := fmt.Sprintf("/placement-test/%s/%d/", t.Name(), time.Now().UnixNano())
		t.Cleanup(func() {
			_, _ = client.Delete(context.Background(), prefix, clientv3.WithPrefix())
		})
		return newEtcdStore(client, zaptest.NewLogger(t), prefix)
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("hash rows ordered by bucket", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		// 256 rows force the SQL store into several batches and the
		// etcd store into several transactions
		rows := make([]Row, 0, 256)
		for bucket := int64(255); bucket >= 0; bucket-- {
			rows = append(rows, Row{TableID: 7, DatabaseID: 2, Bucket: bucket, NodeID: 100 + bucket%3})
		}
		require.NoError(t, s.InsertRows(ctx, HashRelation, rows))

		got, err := s.SelectRows(ctx, HashRelation, 7)
		require.NoError(t, err)
		require.Len(t, got, 256)
		for i, row := range got {
			assert.Equal(t, Row{TableID: 7, DatabaseID: 2, Bucket: int64(i), NodeID: 100 + int64(i)%3}, row)
		}

		deleted, err := s.DeleteRows(ctx, HashRelation, 7)
		require.NoError(t, err)
		assert.EqualValues(t, 256, deleted)

		got, err = s.SelectRows(ctx, HashRelation, 7)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("node rows ordered by node id", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, rel := range []Relation{ReplicatedRelation, RoundRobinRelation} {
			require.NoError(t, s.InsertRows(ctx, rel, []Row{
				{TableID: 3, DatabaseID: 1, NodeID: 30},
				{TableID: 3, DatabaseID: 1, NodeID: 10},
				{TableID: 3, DatabaseID: 1, NodeID: 20},
			}))

			got, err := s.SelectRows(ctx, rel, 3)
			require.NoError(t, err)
			assert.Equal(t, []Row{
				{TableID: 3, DatabaseID: 1, NodeID: 10},
				{TableID: 3, DatabaseID: 1, NodeID: 20},
				{TableID: 3, DatabaseID: 1, NodeID: 30},
			}, got, rel)
		}
	})

	t.Run("tables are isolated", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.InsertRows(ctx, ReplicatedRelation, []Row{
			{TableID: 1, DatabaseID: 1, NodeID: 5},
			{TableID: 2, DatabaseID: 1, NodeID: 6},
			{TableID: 12, DatabaseID: 1, NodeID: 7},
		}))

		deleted, err := s.DeleteRows(ctx, ReplicatedRelation, 1)
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)

		got, err := s.SelectRows(ctx, ReplicatedRelation, 2)
		require.NoError(t, err)
		assert.Equal(t, []Row{{TableID: 2, DatabaseID: 1, NodeID: 6}}, got)

		got, err = s.SelectRows(ctx, ReplicatedRelation, 12)
		require.NoError(t, err)
		assert.Equal(t, []Row{{TableID: 12, DatabaseID: 1, NodeID: 7}}, got)

		// same table id in another relation is a different table
		got, err = s.SelectRows(ctx, RoundRobinRelation, 2)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("deleting a missing table", func(t *testing.T) {
		deleted, err := newStore(t).DeleteRows(context.Background(), HashRelation, 404)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})

	t.Run("unknown relation", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		assert.ErrorIs(t, s.InsertRows(ctx, "partition_range", []Row{{TableID: 1}}), ErrUnknownRelation)
		_, err := s.SelectRows(ctx, "partition_range", 1)
		assert.ErrorIs(t, err, ErrUnknownRelation)
		_, err = s.DeleteRows(ctx, "partition_range", 1)
		assert.ErrorIs(t, err, ErrUnknownRelation)
	})
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db := openSQLite(t)
	s := NewSQLStore(db, zaptest.NewLogger(t))
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	// a shared in-memory database lives as long as one connection is open
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	return db
}
