package placement

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhangyunhao116/fastrand"
	"go.uber.org/atomic"

	"github.com/3vilhamster/partition-placement/pkg/server/store"
)

// RoundRobinMap spreads new rows over the nodes with a rotating cursor.
//
// Placement depends on call order, not on the key: the same key passed twice
// generally lands on different nodes. Call GetPartitions exactly once per
// inserted row and never use it to locate a row later.
type RoundRobinMap struct {
	nodes  Set
	cursor *cursor
}

// cursor starts at a random position on first use, then every call takes
// the next tick. Ticks are handed out atomically, so concurrent callers
// never share a position and n consecutive ticks visit n distinct nodes.
type cursor struct {
	once  sync.Once
	start uint64
	ticks atomic.Uint64
}

var _ Map = (*RoundRobinMap)(nil)

// NewRoundRobinMap creates a round-robin map without nodes
func NewRoundRobinMap() *RoundRobinMap {
	return &RoundRobinMap{cursor: &cursor{}}
}

// Kind returns KindRoundRobin
func (m *RoundRobinMap) Kind() Kind {
	return KindRoundRobin
}

// GenerateDistribution stores the nodes sorted ascending and resets the cursor
func (m *RoundRobinMap) GenerateDistribution(nodes []PartitionID) error {
	set, err := sortedNodes(nodes)
	if err != nil {
		return err
	}
	m.nodes = set
	m.cursor = &cursor{}
	return nil
}

// GetPartitions advances the cursor and returns the node under it.
// The key is ignored.
func (m *RoundRobinMap) GetPartitions([]byte) (Set, error) {
	n := len(m.nodes)
	if n == 0 {
		return nil, fmt.Errorf("%w: round-robin map has no nodes", ErrInternalConsistency)
	}

	c := m.cursor
	c.once.Do(func() {
		c.start = uint64(fastrand.Intn(n))
	})
	pos := (c.start + c.ticks.Inc()) % uint64(n)

	return Set{m.nodes[pos]}, nil
}

// FindPartitions returns every node, the key cannot tell where a row went
func (m *RoundRobinMap) FindPartitions([]byte) (Set, error) {
	return m.nodes.Clone(), nil
}

// JoinPartitions returns every node, each holds a disjoint part of the rows
func (m *RoundRobinMap) JoinPartitions() Set {
	return m.nodes.Clone()
}

// AllPartitions returns every node
func (m *RoundRobinMap) AllPartitions() Set {
	return m.nodes.Clone()
}

// RedundancyLevel returns RedundancyNone
func (m *RoundRobinMap) RedundancyLevel() int {
	return RedundancyNone
}

// ReadFromCatalog loads the node rows of tableID. The cursor is not stored
// and restarts at a random position.
func (m *RoundRobinMap) ReadFromCatalog(ctx context.Context, s store.Store, tableID TableID) error {
	nodes, err := readNodeRows(ctx, s, store.RoundRobinRelation, tableID)
	if err != nil {
		return err
	}
	m.nodes = nodes
	m.cursor = &cursor{}
	return nil
}

// StoreToCatalog writes one row per node
func (m *RoundRobinMap) StoreToCatalog(ctx context.Context, s store.Store, tableID TableID, databaseID DatabaseID) error {
	return storeNodeRows(ctx, s, store.RoundRobinRelation, m.nodes, tableID, databaseID)
}

// RemoveFromCatalog deletes the node rows of tableID
func (m *RoundRobinMap) RemoveFromCatalog(ctx context.Context, s store.Store, tableID TableID) error {
	return removeRows(ctx, s, store.RoundRobinRelation, tableID)
}

// Snapshot returns the node list
func (m *RoundRobinMap) Snapshot() Snapshot {
	return Snapshot{Kind: KindRoundRobin, Nodes: m.nodes.Clone()}
}

// Clone copies the node list, the copy gets its own fresh cursor
func (m *RoundRobinMap) Clone() Map {
	return &RoundRobinMap{nodes: m.nodes.Clone(), cursor: &cursor{}}
}
