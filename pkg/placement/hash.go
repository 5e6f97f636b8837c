package placement

import (
	"context"
	"fmt"
	"sync"

	"github.com/3vilhamster/partition-placement/pkg/server/store"
)

// HashMap routes a key to the owner of its bucket
type HashMap struct {
	table    [BucketCount]PartitionID
	assigned [BucketCount]bool

	// members is derived from table on first use and reset on rebuild
	membersOnce *sync.Once
	members     Set
}

var _ Map = (*HashMap)(nil)

// NewHashMap creates a hash map with no bucket assigned
func NewHashMap() *HashMap {
	return &HashMap{membersOnce: &sync.Once{}}
}

// Kind returns KindHash
func (m *HashMap) Kind() Kind {
	return KindHash
}

// Complete reports whether every bucket has an owner
func (m *HashMap) Complete() bool {
	for _, ok := range m.assigned {
		if !ok {
			return false
		}
	}
	return true
}

// GenerateDistribution deals the buckets to nodes in the given order,
// bucket i goes to nodes[i mod len(nodes)]
func (m *HashMap) GenerateDistribution(nodes []PartitionID) error {
	if len(nodes) == 0 {
		return fmt.Errorf("%w: empty node list", ErrInvalidArgument)
	}

	var table [BucketCount]PartitionID
	for i := range table {
		table[i] = nodes[i%len(nodes)]
	}
	m.reset(table, allAssigned())
	return nil
}

// GetPartitions returns the owner of the key's bucket
func (m *HashMap) GetPartitions(key []byte) (Set, error) {
	owner, err := m.Owner(HashKey(key))
	if err != nil {
		return nil, err
	}
	return Set{owner}, nil
}

// FindPartitions is GetPartitions, placement depends on the key alone
func (m *HashMap) FindPartitions(key []byte) (Set, error) {
	return m.GetPartitions(key)
}

// Owner returns the node owning bucket
func (m *HashMap) Owner(bucket int) (PartitionID, error) {
	if bucket < 0 || bucket >= BucketCount {
		return 0, fmt.Errorf("%w: bucket %d out of range", ErrInvalidArgument, bucket)
	}
	if !m.assigned[bucket] {
		return 0, fmt.Errorf("%w: bucket %d has no owner", ErrInternalConsistency, bucket)
	}
	return m.table[bucket], nil
}

// JoinPartitions returns every node owning at least one bucket
func (m *HashMap) JoinPartitions() Set {
	return m.AllPartitions()
}

// AllPartitions returns every node owning at least one bucket
func (m *HashMap) AllPartitions() Set {
	m.membersOnce.Do(func() {
		owners := make([]PartitionID, 0, BucketCount)
		for i, owner := range m.table {
			if m.assigned[i] {
				owners = append(owners, owner)
			}
		}
		m.members = NewSet(owners...)
	})
	return m.members.Clone()
}

// RedundancyLevel returns RedundancyNone
func (m *HashMap) RedundancyLevel() int {
	return RedundancyNone
}

// ReadFromCatalog rebuilds the bucket table from its catalog rows.
// A table without rows leaves the map empty.
func (m *HashMap) ReadFromCatalog(ctx context.Context, s store.Store, tableID TableID) error {
	rows, err := s.SelectRows(ctx, store.HashRelation, int64(tableID))
	if err != nil {
		return catalogError("read", tableID, err)
	}

	var (
		table    [BucketCount]PartitionID
		assigned [BucketCount]bool
	)
	for _, row := range rows {
		switch {
		case row.TableID != int64(tableID):
			return catalogError("read", tableID,
				fmt.Errorf("%w: row for table %d", store.ErrMalformedRow, row.TableID))
		case row.Bucket < 0 || row.Bucket >= BucketCount:
			return catalogError("read", tableID,
				fmt.Errorf("%w: bucket %d out of range", store.ErrMalformedRow, row.Bucket))
		case assigned[row.Bucket]:
			return catalogError("read", tableID,
				fmt.Errorf("%w: bucket %d stored twice", store.ErrMalformedRow, row.Bucket))
		}
		table[row.Bucket] = PartitionID(row.NodeID)
		assigned[row.Bucket] = true
	}

	m.reset(table, assigned)
	return nil
}

// StoreToCatalog writes one row per bucket. Every bucket must be assigned.
func (m *HashMap) StoreToCatalog(ctx context.Context, s store.Store, tableID TableID, databaseID DatabaseID) error {
	rows := make([]store.Row, 0, BucketCount)
	for i, owner := range m.table {
		if !m.assigned[i] {
			return fmt.Errorf("%w: bucket %d has no owner", ErrInternalConsistency, i)
		}
		rows = append(rows, store.Row{
			Bucket:     int64(i),
			TableID:    int64(tableID),
			DatabaseID: int64(databaseID),
			NodeID:     int64(owner),
		})
	}

	if err := s.InsertRows(ctx, store.HashRelation, rows); err != nil {
		return catalogError("store", tableID, err)
	}
	return nil
}

// RemoveFromCatalog deletes the bucket rows of tableID
func (m *HashMap) RemoveFromCatalog(ctx context.Context, s store.Store, tableID TableID) error {
	return removeRows(ctx, s, store.HashRelation, tableID)
}

// Snapshot returns the bucket table
func (m *HashMap) Snapshot() Snapshot {
	snap := Snapshot{Kind: KindHash}
	if m.empty() {
		return snap
	}
	snap.Buckets = make([]PartitionID, BucketCount)
	for i, owner := range m.table {
		if !m.assigned[i] {
			snap.Unassigned = append(snap.Unassigned, i)
			continue
		}
		snap.Buckets[i] = owner
	}
	return snap
}

// Clone copies the bucket table
func (m *HashMap) Clone() Map {
	c := NewHashMap()
	c.table = m.table
	c.assigned = m.assigned
	return c
}

func (m *HashMap) reset(table [BucketCount]PartitionID, assigned [BucketCount]bool) {
	m.table = table
	m.assigned = assigned
	m.membersOnce = &sync.Once{}
	m.members = nil
}

func (m *HashMap) empty() bool {
	for _, ok := range m.assigned {
		if ok {
			return false
		}
	}
	return true
}

func allAssigned() [BucketCount]bool {
	var assigned [BucketCount]bool
	for i := range assigned {
		assigned[i] = true
	}
	return assigned
}
