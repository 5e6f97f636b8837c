// Package placement decides which backend nodes hold the rows of a
// partitioned table.
//
// A Map is the per-table placement policy. Three interchangeable kinds exist:
//
//   - hash: a fixed table of BucketCount buckets, each owned by one node; a key
//     is routed to the owner of HashKey(key). Reads and writes for a key touch
//     exactly one node.
//   - replicated: every node holds a full copy. Writes touch every node, a
//     full scan needs only the smallest node.
//   - roundrobin: new rows are spread over the nodes by a rotating cursor.
//     The key plays no part, so lookups of existing rows touch every node.
//
// A Map is populated once, by GenerateDistribution or ReadFromCatalog, and is
// safe for concurrent readers afterwards. Rebuilding it requires exclusive
// access; callers that cannot block readers build a fresh Map and swap it in.
package placement

import (
	"context"
	"fmt"

	"github.com/3vilhamster/partition-placement/pkg/server/store"
)

// Kind names a placement strategy
type Kind string

// Known placement strategies
const (
	KindHash       Kind = "hash"
	KindReplicated Kind = "replicated"
	KindRoundRobin Kind = "roundrobin"
)

// ParseKind validates a strategy name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindHash, KindReplicated, KindRoundRobin:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Relation returns the catalog relation holding rows of this kind
func (k Kind) Relation() store.Relation {
	switch k {
	case KindHash:
		return store.HashRelation
	case KindReplicated:
		return store.ReplicatedRelation
	default:
		return store.RoundRobinRelation
	}
}

// Map is the placement policy of one table
type Map interface {
	// Kind returns the strategy implemented by the map
	Kind() Kind

	// GenerateDistribution replaces the whole mapping with a fresh one over nodes.
	// It fails with ErrInvalidArgument when nodes is empty.
	GenerateDistribution(nodes []PartitionID) error

	// GetPartitions returns the node(s) a new row with this key must be written to
	GetPartitions(key []byte) (Set, error)

	// FindPartitions returns the node(s) that may hold an existing row with this key
	FindPartitions(key []byte) (Set, error)

	// JoinPartitions returns the smallest node set that sees every row exactly once
	JoinPartitions() Set

	// AllPartitions returns every node referenced by the mapping
	AllPartitions() Set

	// RedundancyLevel classifies the strategy, see RedundancyFull and RedundancyNone
	RedundancyLevel() int

	// ReadFromCatalog replaces the mapping with the rows stored for tableID
	ReadFromCatalog(ctx context.Context, s store.Store, tableID TableID) error

	// StoreToCatalog writes the mapping rows for tableID
	StoreToCatalog(ctx context.Context, s store.Store, tableID TableID, databaseID DatabaseID) error

	// RemoveFromCatalog deletes every mapping row of tableID
	RemoveFromCatalog(ctx context.Context, s store.Store, tableID TableID) error

	// Snapshot returns the mapping as plain data
	Snapshot() Snapshot

	// Clone returns an independent copy of the mapping
	Clone() Map
}

// NewMap creates an empty map of the given kind using the default registry
func NewMap(kind Kind) (Map, error) {
	return DefaultRegistry.New(kind)
}

// Constructor creates an empty map
type Constructor func() Map

// Registry keeps track of available placement strategies
type Registry struct {
	constructors map[Kind]Constructor
	defaultKind  Kind
}

// DefaultRegistry holds the built-in strategies with hash as default
var DefaultRegistry = NewRegistry()

// NewRegistry creates a registry holding the built-in strategies
func NewRegistry() *Registry {
	r := &Registry{
		constructors: make(map[Kind]Constructor),
		defaultKind:  KindHash,
	}
	r.Register(KindHash, func() Map { return NewHashMap() })
	r.Register(KindReplicated, func() Map { return NewReplicatedMap() })
	r.Register(KindRoundRobin, func() Map { return NewRoundRobinMap() })
	return r
}

// Register registers a strategy constructor
func (r *Registry) Register(kind Kind, c Constructor) {
	r.constructors[kind] = c
}

// New creates an empty map of the given kind, the empty kind selects the default
func (r *Registry) New(kind Kind) (Map, error) {
	if kind == "" {
		kind = r.defaultKind
	}
	c, exists := r.constructors[kind]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	return c(), nil
}

// SetDefaultKind sets the kind used when none is requested
func (r *Registry) SetDefaultKind(kind Kind) {
	if _, exists := r.constructors[kind]; exists {
		r.defaultKind = kind
	}
}

// DefaultKind returns the kind used when none is requested
func (r *Registry) DefaultKind() Kind {
	return r.defaultKind
}

// Kinds returns the registered kinds
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.constructors))
	for kind := range r.constructors {
		kinds = append(kinds, kind)
	}
	return kinds
}
