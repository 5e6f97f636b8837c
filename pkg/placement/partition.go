package placement

import (
	"slices"
	"strconv"
	"strings"
)

// PartitionID identifies a backend database node within a cluster
type PartitionID int64

// TableID identifies a logical table in the metadata catalog
type TableID int64

// DatabaseID identifies the database owning a table
type DatabaseID int64

// Redundancy levels reported by Map.RedundancyLevel
const (
	// RedundancyFull means every node holds every row, row counts are not additive
	RedundancyFull = 0
	// RedundancyNone means each row lives on exactly one node
	RedundancyNone = 1
)

// Set is a sorted, duplicate-free collection of partition identifiers
type Set []PartitionID

// NewSet builds a Set from ids in any order
func NewSet(ids ...PartitionID) Set {
	out := make(Set, len(ids))
	copy(out, ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains reports whether id is a member of the set
func (s Set) Contains(id PartitionID) bool {
	_, found := slices.BinarySearch(s, id)
	return found
}

// Equal reports whether both sets hold the same members
func (s Set) Equal(other Set) bool {
	return slices.Equal(s, other)
}

// Clone returns a copy that shares no memory with s
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return slices.Clone(s)
}

// String renders the set as {a, b, c}
func (s Set) String() string {
	parts := make([]string, len(s))
	for i, id := range s {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
