package placement_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3vilhamster/partition-placement/pkg/placement"
)

func TestRedundancyLevels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, placement.NewHashMap().RedundancyLevel())
	assert.Equal(t, 0, placement.NewReplicatedMap().RedundancyLevel())
	assert.Equal(t, 1, placement.NewRoundRobinMap().RedundancyLevel())
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, kind := range []placement.Kind{placement.KindHash, placement.KindReplicated, placement.KindRoundRobin} {
		got, err := placement.ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}

	_, err := placement.ParseKind("range")
	assert.ErrorIs(t, err, placement.ErrUnknownKind)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := placement.NewRegistry()
	assert.ElementsMatch(t, []placement.Kind{placement.KindHash, placement.KindReplicated, placement.KindRoundRobin}, r.Kinds())
	assert.Equal(t, placement.KindHash, r.DefaultKind())

	m, err := r.New("")
	require.NoError(t, err)
	assert.Equal(t, placement.KindHash, m.Kind())

	r.SetDefaultKind(placement.KindReplicated)
	m, err = r.New("")
	require.NoError(t, err)
	assert.Equal(t, placement.KindReplicated, m.Kind())

	// unknown kinds do not replace the default
	r.SetDefaultKind("range")
	assert.Equal(t, placement.KindReplicated, r.DefaultKind())

	_, err = r.New("range")
	assert.ErrorIs(t, err, placement.ErrUnknownKind)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	nodes := []placement.PartitionID{30, 10, 20}
	for _, kind := range []placement.Kind{placement.KindHash, placement.KindReplicated, placement.KindRoundRobin} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()

			m, err := placement.NewMap(kind)
			require.NoError(t, err)
			require.NoError(t, m.GenerateDistribution(nodes))

			encoded, err := json.Marshal(m.Snapshot())
			require.NoError(t, err)

			var decoded placement.Snapshot
			require.NoError(t, json.Unmarshal(encoded, &decoded))

			rebuilt, err := placement.FromSnapshot(decoded)
			require.NoError(t, err)
			assert.Equal(t, kind, rebuilt.Kind())
			assert.Equal(t, m.AllPartitions(), rebuilt.AllPartitions())
			assert.Equal(t, m.JoinPartitions(), rebuilt.JoinPartitions())
			assert.Equal(t, m.Snapshot().Fingerprint(), rebuilt.Snapshot().Fingerprint())
		})
	}
}

func TestSnapshot_Fingerprint(t *testing.T) {
	t.Parallel()

	a := placement.NewHashMap()
	require.NoError(t, a.GenerateDistribution([]placement.PartitionID{1, 2, 3}))
	b := placement.NewHashMap()
	require.NoError(t, b.GenerateDistribution([]placement.PartitionID{1, 2, 3}))
	c := placement.NewHashMap()
	require.NoError(t, c.GenerateDistribution([]placement.PartitionID{3, 2, 1}))

	assert.Equal(t, a.Snapshot().Fingerprint(), b.Snapshot().Fingerprint())
	assert.NotEqual(t, a.Snapshot().Fingerprint(), c.Snapshot().Fingerprint())

	// same nodes, different strategy
	r := placement.NewReplicatedMap()
	require.NoError(t, r.GenerateDistribution([]placement.PartitionID{1, 2, 3}))
	rr := placement.NewRoundRobinMap()
	require.NoError(t, rr.GenerateDistribution([]placement.PartitionID{1, 2, 3}))
	assert.NotEqual(t, r.Snapshot().Fingerprint(), rr.Snapshot().Fingerprint())
}

func TestFromSnapshot_Invalid(t *testing.T) {
	t.Parallel()

	_, err := placement.FromSnapshot(placement.Snapshot{Kind: placement.KindHash, Buckets: []placement.PartitionID{1, 2}})
	assert.ErrorIs(t, err, placement.ErrInvalidArgument)

	_, err = placement.FromSnapshot(placement.Snapshot{Kind: "range"})
	assert.ErrorIs(t, err, placement.ErrUnknownKind)
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()

	for _, kind := range []placement.Kind{placement.KindHash, placement.KindReplicated, placement.KindRoundRobin} {
		m, err := placement.NewMap(kind)
		require.NoError(t, err)
		require.NoError(t, m.GenerateDistribution([]placement.PartitionID{1, 2}))

		clone := m.Clone()
		require.NoError(t, m.GenerateDistribution([]placement.PartitionID{8}))

		assert.Equal(t, placement.Set{1, 2}, clone.AllPartitions(), kind)
		assert.Equal(t, placement.Set{8}, m.AllPartitions(), kind)
	}
}

func TestSet(t *testing.T) {
	t.Parallel()

	s := placement.NewSet(5, 1, 3, 1)
	assert.Equal(t, placement.Set{1, 3, 5}, s)
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(2))
	assert.True(t, s.Equal(placement.Set{1, 3, 5}))
	assert.Equal(t, "{1, 3, 5}", s.String())
	assert.Equal(t, "{}", placement.Set{}.String())
}

func TestSnapshot_NegativeNodeID(t *testing.T) {
	t.Parallel()

	m := placement.NewHashMap()
	require.NoError(t, m.GenerateDistribution([]placement.PartitionID{-1}))

	rebuilt, err := placement.FromSnapshot(m.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, placement.Set{-1}, rebuilt.AllPartitions())

	got, err := rebuilt.GetPartitions([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, placement.Set{-1}, got)
}

func TestSnapshot_UnassignedBuckets(t *testing.T) {
	t.Parallel()

	buckets := make([]placement.PartitionID, placement.BucketCount)
	for i := range buckets {
		buckets[i] = 7
	}
	buckets[38] = 0
	snap := placement.Snapshot{Kind: placement.KindHash, Buckets: buckets, Unassigned: []int{38}}

	m, err := placement.FromSnapshot(snap)
	require.NoError(t, err)
	assert.False(t, m.(*placement.HashMap).Complete())
	assert.Equal(t, snap, m.Snapshot())

	// "hello" hashes to bucket 38
	_, err = m.GetPartitions([]byte("hello"))
	assert.ErrorIs(t, err, placement.ErrInternalConsistency)

	full := placement.Snapshot{Kind: placement.KindHash, Buckets: buckets}
	assert.True(t, mustFromSnapshot(t, full).(*placement.HashMap).Complete())
	assert.NotEqual(t, full.Fingerprint(), snap.Fingerprint())

	_, err = placement.FromSnapshot(placement.Snapshot{Kind: placement.KindHash, Buckets: buckets, Unassigned: []int{256}})
	assert.ErrorIs(t, err, placement.ErrInvalidArgument)
}

func mustFromSnapshot(t *testing.T, s placement.Snapshot) placement.Map {
	t.Helper()
	m, err := placement.FromSnapshot(s)
	require.NoError(t, err)
	return m
}
