package placement

import (
	"context"
	"fmt"

	"github.com/3vilhamster/partition-placement/pkg/server/store"
)

// readNodeRows loads the node list of a replicated or round-robin table
func readNodeRows(ctx context.Context, s store.Store, rel store.Relation, tableID TableID) (Set, error) {
	rows, err := s.SelectRows(ctx, rel, int64(tableID))
	if err != nil {
		return nil, catalogError("read", tableID, err)
	}

	nodes := make([]PartitionID, 0, len(rows))
	for _, row := range rows {
		if row.TableID != int64(tableID) {
			return nil, catalogError("read", tableID,
				fmt.Errorf("%w: row for table %d", store.ErrMalformedRow, row.TableID))
		}
		nodes = append(nodes, PartitionID(row.NodeID))
	}

	set := NewSet(nodes...)
	if len(set) != len(nodes) {
		return nil, catalogError("read", tableID,
			fmt.Errorf("%w: duplicate node rows", store.ErrMalformedRow))
	}
	return set, nil
}

// storeNodeRows writes one row per node
func storeNodeRows(ctx context.Context, s store.Store, rel store.Relation, nodes Set, tableID TableID, databaseID DatabaseID) error {
	if len(nodes) == 0 {
		return fmt.Errorf("%w: no nodes to store for table %d", ErrInvalidArgument, tableID)
	}

	rows := make([]store.Row, 0, len(nodes))
	for _, node := range nodes {
		rows = append(rows, store.Row{
			TableID:    int64(tableID),
			DatabaseID: int64(databaseID),
			NodeID:     int64(node),
		})
	}

	if err := s.InsertRows(ctx, rel, rows); err != nil {
		return catalogError("store", tableID, err)
	}
	return nil
}

// removeRows deletes every row of the table from rel
func removeRows(ctx context.Context, s store.Store, rel store.Relation, tableID TableID) error {
	if _, err := s.DeleteRows(ctx, rel, int64(tableID)); err != nil {
		return catalogError("remove", tableID, err)
	}
	return nil
}

// sortedNodes validates and sorts a node list passed to GenerateDistribution
func sortedNodes(nodes []PartitionID) (Set, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty node list", ErrInvalidArgument)
	}
	return NewSet(nodes...), nil
}
