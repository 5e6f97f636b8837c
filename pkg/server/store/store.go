package store

import (
	"context"
	"errors"
	"fmt"
)

// Relation names a catalog relation holding partition mapping rows
type Relation string

// Catalog relations used by the partition maps
const (
	HashRelation       Relation = "partition_hash"
	ReplicatedRelation Relation = "partition_replicated"
	RoundRobinRelation Relation = "partition_roundrobin"
)

var (
	// ErrUnknownRelation is returned for a relation the store does not hold
	ErrUnknownRelation = errors.New("store: unknown relation")
	// ErrMalformedRow is returned when stored rows cannot describe a valid mapping
	ErrMalformedRow = errors.New("store: malformed row")
)

// Row is one mapping row. Bucket is only meaningful for HashRelation,
// node-list relations leave it at zero.
type Row struct {
	TableID    int64 `json:"table_id"`
	DatabaseID int64 `json:"database_id"`
	Bucket     int64 `json:"bucket_index,omitempty"`
	NodeID     int64 `json:"node_id"`
}

// Ordinal is the value the relation is ordered by: the bucket index for
// hash rows, the node id otherwise.
func (r Row) Ordinal(rel Relation) int64 {
	if rel == HashRelation {
		return r.Bucket
	}
	return r.NodeID
}

// Store is the narrow view of the metadata catalog used by partition maps
type Store interface {
	// InsertRows bulk inserts mapping rows
	InsertRows(ctx context.Context, rel Relation, rows []Row) error

	// SelectRows returns all rows of a table ordered by bucket (hash) or node id
	SelectRows(ctx context.Context, rel Relation, tableID int64) ([]Row, error)

	// DeleteRows removes all rows of a table and returns how many were removed
	DeleteRows(ctx context.Context, rel Relation, tableID int64) (int64, error)
}

// Transactional is implemented by stores that can apply several changes
// atomically. fn receives a store bound to the transaction.
type Transactional interface {
	Atomically(ctx context.Context, fn func(Store) error) error
}

// Relations lists every relation a backend has to provide
func Relations() []Relation {
	return []Relation{HashRelation, ReplicatedRelation, RoundRobinRelation}
}

// Validate checks that rel is one of the known relations
func (rel Relation) Validate() error {
	switch rel {
	case HashRelation, ReplicatedRelation, RoundRobinRelation:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRelation, string(rel))
	}
}
