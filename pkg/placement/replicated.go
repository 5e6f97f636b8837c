package placement

import (
	"context"

	"github.com/3vilhamster/partition-placement/pkg/server/store"
)

// ReplicatedMap places a full copy of the table on every node
type ReplicatedMap struct {
	nodes Set
}

var _ Map = (*ReplicatedMap)(nil)

// NewReplicatedMap creates a replicated map without nodes
func NewReplicatedMap() *ReplicatedMap {
	return &ReplicatedMap{}
}

// Kind returns KindReplicated
func (m *ReplicatedMap) Kind() Kind {
	return KindReplicated
}

// GenerateDistribution stores the nodes sorted ascending
func (m *ReplicatedMap) GenerateDistribution(nodes []PartitionID) error {
	set, err := sortedNodes(nodes)
	if err != nil {
		return err
	}
	m.nodes = set
	return nil
}

// GetPartitions returns every node, writes go everywhere
func (m *ReplicatedMap) GetPartitions([]byte) (Set, error) {
	return m.nodes.Clone(), nil
}

// FindPartitions returns every node
func (m *ReplicatedMap) FindPartitions([]byte) (Set, error) {
	return m.nodes.Clone(), nil
}

// JoinPartitions returns the smallest node alone, any single copy is complete
func (m *ReplicatedMap) JoinPartitions() Set {
	if len(m.nodes) == 0 {
		return nil
	}
	return Set{m.nodes[0]}
}

// AllPartitions returns every node
func (m *ReplicatedMap) AllPartitions() Set {
	return m.nodes.Clone()
}

// RedundancyLevel returns RedundancyFull
func (m *ReplicatedMap) RedundancyLevel() int {
	return RedundancyFull
}

// ReadFromCatalog loads the node rows of tableID
func (m *ReplicatedMap) ReadFromCatalog(ctx context.Context, s store.Store, tableID TableID) error {
	nodes, err := readNodeRows(ctx, s, store.ReplicatedRelation, tableID)
	if err != nil {
		return err
	}
	m.nodes = nodes
	return nil
}

// StoreToCatalog writes one row per node
func (m *ReplicatedMap) StoreToCatalog(ctx context.Context, s store.Store, tableID TableID, databaseID DatabaseID) error {
	return storeNodeRows(ctx, s, store.ReplicatedRelation, m.nodes, tableID, databaseID)
}

// RemoveFromCatalog deletes the node rows of tableID
func (m *ReplicatedMap) RemoveFromCatalog(ctx context.Context, s store.Store, tableID TableID) error {
	return removeRows(ctx, s, store.ReplicatedRelation, tableID)
}

// Snapshot returns the node list
func (m *ReplicatedMap) Snapshot() Snapshot {
	return Snapshot{Kind: KindReplicated, Nodes: m.nodes.Clone()}
}

// Clone copies the node list
func (m *ReplicatedMap) Clone() Map {
	return &ReplicatedMap{nodes: m.nodes.Clone()}
}
