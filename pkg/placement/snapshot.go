package placement

import (
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-farm"
)

// Snapshot is a map reduced to plain data. Hash maps fill Buckets and list
// the indexes of buckets without an owner in Unassigned, the other kinds
// fill Nodes. Round-robin cursors are not part of it.
type Snapshot struct {
	Kind       Kind          `json:"kind"`
	Nodes      []PartitionID `json:"nodes,omitempty"`
	Buckets    []PartitionID `json:"buckets,omitempty"`
	Unassigned []int         `json:"unassigned,omitempty"`
}

// FromSnapshot rebuilds a map from its plain-data form
func FromSnapshot(s Snapshot) (Map, error) {
	switch s.Kind {
	case KindHash:
		if len(s.Buckets) != 0 && len(s.Buckets) != BucketCount {
			return nil, fmt.Errorf("%w: snapshot has %d buckets, want %d", ErrInvalidArgument, len(s.Buckets), BucketCount)
		}
		if len(s.Buckets) == 0 && len(s.Unassigned) != 0 {
			return nil, fmt.Errorf("%w: unassigned buckets without a bucket table", ErrInvalidArgument)
		}
		m := NewHashMap()
		for i, owner := range s.Buckets {
			m.table[i] = owner
			m.assigned[i] = true
		}
		for _, bucket := range s.Unassigned {
			if bucket < 0 || bucket >= BucketCount {
				return nil, fmt.Errorf("%w: unassigned bucket %d out of range", ErrInvalidArgument, bucket)
			}
			m.table[bucket] = 0
			m.assigned[bucket] = false
		}
		return m, nil
	case KindReplicated:
		m := NewReplicatedMap()
		m.nodes = NewSet(s.Nodes...)
		return m, nil
	case KindRoundRobin:
		m := NewRoundRobinMap()
		m.nodes = NewSet(s.Nodes...)
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(s.Kind))
	}
}

// Fingerprint hashes the snapshot content, equal mappings give equal fingerprints
func (s Snapshot) Fingerprint() uint64 {
	buf := make([]byte, 0, len(s.Kind)+8*(len(s.Nodes)+len(s.Buckets)+len(s.Unassigned)+3))
	buf = append(buf, s.Kind...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(s.Nodes)))
	for _, id := range s.Nodes {
		buf = binary.BigEndian.AppendUint64(buf, uint64(id))
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(s.Buckets)))
	for _, id := range s.Buckets {
		buf = binary.BigEndian.AppendUint64(buf, uint64(id))
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(s.Unassigned)))
	for _, bucket := range s.Unassigned {
		buf = binary.BigEndian.AppendUint64(buf, uint64(bucket))
	}
	return farm.Fingerprint64(buf)
}
