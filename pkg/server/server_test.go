package server_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/3vilhamster/partition-placement/pkg/api"
	"github.com/3vilhamster/partition-placement/pkg/client"
	"github.com/3vilhamster/partition-placement/pkg/client/config"
	"github.com/3vilhamster/partition-placement/pkg/placement"
	"github.com/3vilhamster/partition-placement/pkg/server"
	"github.com/3vilhamster/partition-placement/pkg/server/store"
	"github.com/3vilhamster/partition-placement/pkg/server/tables"
)

func startServer(t *testing.T, s store.Store) *client.Client {
	t.Helper()
	return startServerWithLeadership(t, s, nil)
}

func startServerWithLeadership(t *testing.T, s store.Store, leadership server.Leadership) *client.Client {
	t.Helper()

	logger := zaptest.NewLogger(t)
	directory := tables.NewDirectory(tables.Params{Store: s, Logger: logger})

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	server.RegisterPlacementServer(gs, server.NewServer(directory, logger, leadership))
	go func() {
		_ = gs.Serve(lis)
	}()
	t.Cleanup(gs.Stop)

	cfg := config.DefaultClientConfig
	cfg.ServerAddr = "passthrough:///bufnet"
	c, err := client.New(context.Background(), cfg, logger,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestServer_HashTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startServer(t, store.NewMemoryStore())

	info, err := c.CreateTable(ctx, 1, 7, "hash", []int64{10, 20, 30})
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.TableID)
	assert.Equal(t, int64(7), info.DatabaseID)
	assert.Equal(t, "hash", info.Kind)
	assert.Equal(t, []int64{10, 20, 30}, info.Partitions)
	assert.Equal(t, []int64{10, 20, 30}, info.JoinPartitions)
	assert.Equal(t, int64(1), info.Redundancy)
	assert.NotZero(t, info.Fingerprint)

	// "hello" hashes to bucket 38, buckets are dealt round the caller's node order
	got, err := c.GetPartitions(ctx, 1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []int64{30}, got)

	found, err := c.FindPartitions(ctx, 1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, got, found)

	// the empty key hashes to bucket 57
	got, err = c.GetPartitions(ctx, 1, []byte(""))
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, got)

	// keys that are not valid UTF-8 are routed on their raw bytes
	binary := []byte{0xff, 0x00, 0xc3}
	nodes := []int64{10, 20, 30}
	got, err = c.GetPartitions(ctx, 1, binary)
	require.NoError(t, err)
	assert.Equal(t, []int64{nodes[placement.HashKey(binary)%len(nodes)]}, got)

	all, err := c.AllPartitions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, all)
}

func TestServer_ReplicatedAndRoundRobin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startServer(t, store.NewMemoryStore())

	_, err := c.CreateTable(ctx, 1, 1, "replicated", []int64{30, 10, 20})
	require.NoError(t, err)

	got, err := c.GetPartitions(ctx, 1, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, got)

	join, err := c.JoinPartitions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, join)

	info, err := c.CreateTable(ctx, 2, 1, "roundrobin", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Redundancy)

	first, err := c.GetPartitions(ctx, 2, []byte("k"))
	require.NoError(t, err)
	second, err := c.GetPartitions(ctx, 2, []byte("k"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	found, err := c.FindPartitions(ctx, 2, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, found)
}

func TestServer_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startServer(t, store.NewMemoryStore())

	_, err := c.CreateTable(ctx, 3, 1, "", []int64{1, 2})
	require.NoError(t, err)
	_, err = c.CreateTable(ctx, 1, 1, "replicated", []int64{5})
	require.NoError(t, err)

	infos, err := c.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, int64(1), infos[0].TableID)
	assert.Equal(t, int64(3), infos[1].TableID)
	assert.Equal(t, "hash", infos[1].Kind)

	before, err := c.Describe(ctx, 3)
	require.NoError(t, err)

	after, err := c.Reshard(ctx, 3, []int64{8, 9})
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 9}, after.Partitions)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)

	require.NoError(t, c.DropTable(ctx, 3))
	_, err = c.Describe(ctx, 3)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServer_ErrorCodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startServer(t, store.NewMemoryStore())

	_, err := c.CreateTable(ctx, 1, 1, "hash", []int64{1})
	require.NoError(t, err)

	_, err = c.CreateTable(ctx, 1, 1, "hash", []int64{1})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = c.CreateTable(ctx, 2, 1, "hash", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.CreateTable(ctx, 2, 1, "range", []int64{1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.GetPartitions(ctx, 99, []byte("k"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Reshard(ctx, 1, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Equal(t, codes.NotFound, status.Code(c.DropTable(ctx, 99)))
}

func TestServer_CatalogUnavailable(t *testing.T) {
	t.Parallel()
	c := startServer(t, failingStore{err: errors.New("catalog down")})

	_, err := c.CreateTable(context.Background(), 1, 1, "replicated", []int64{1})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestServer_MalformedRequest(t *testing.T) {
	t.Parallel()
	c := startServer(t, store.NewMemoryStore())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// table ids beyond the exact number range never leave the client
	_, err := c.Describe(ctx, 1<<60)
	assert.ErrorIs(t, err, api.ErrMalformedMessage)
}

func TestServer_FollowerResolvesFromCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := store.NewMemoryStore()

	leader := startServerWithLeadership(t, shared, staticLeadership(true))
	follower := startServerWithLeadership(t, shared, staticLeadership(false))

	_, err := leader.CreateTable(ctx, 5, 2, "replicated", []int64{3, 1})
	require.NoError(t, err)

	// the follower never saw the create, it finds the table in the catalog
	info, err := follower.Describe(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "replicated", info.Kind)
	assert.Equal(t, int64(2), info.DatabaseID)

	got, err := follower.GetPartitions(ctx, 5, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, got)

	// table changes are refused by the follower
	_, err = follower.CreateTable(ctx, 6, 2, "hash", []int64{1})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = follower.Reshard(ctx, 5, []int64{9})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, codes.FailedPrecondition, status.Code(follower.DropTable(ctx, 5)))

	// the leader rejects a second create of a table it only knows from the catalog
	_, err = startServer(t, shared).CreateTable(ctx, 5, 2, "hash", []int64{1})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

type staticLeadership bool

func (l staticLeadership) IsLeader() bool {
	return bool(l)
}

type failingStore struct {
	err error
}

func (s failingStore) InsertRows(context.Context, store.Relation, []store.Row) error {
	return s.err
}

func (s failingStore) SelectRows(context.Context, store.Relation, int64) ([]store.Row, error) {
	return nil, s.err
}

func (s failingStore) DeleteRows(context.Context, store.Relation, int64) (int64, error) {
	return 0, s.err
}
