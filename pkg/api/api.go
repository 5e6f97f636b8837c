// Package api defines the placement.v1.Placement wire contract shared by the
// server and the client. Messages are protobuf Struct values with the field
// names below, so no generated code is needed.
package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "placement.v1.Placement"

// Method names of the placement service
const (
	MethodCreateTable    = "CreateTable"
	MethodDropTable      = "DropTable"
	MethodReshard        = "Reshard"
	MethodGetPartitions  = "GetPartitions"
	MethodFindPartitions = "FindPartitions"
	MethodJoinPartitions = "JoinPartitions"
	MethodAllPartitions  = "AllPartitions"
	MethodDescribe       = "Describe"
	MethodListTables     = "ListTables"
)

// Message field names
const (
	FieldTableID        = "table_id"
	FieldDatabaseID     = "database_id"
	FieldKind           = "kind"
	FieldNodes          = "nodes"
	FieldKey            = "key"
	FieldKeyBase64      = "key_b64"
	FieldPartitions     = "partitions"
	FieldJoinPartitions = "join_partitions"
	FieldRedundancy     = "redundancy"
	FieldFingerprint    = "fingerprint"
	FieldTables         = "tables"
)

// maxExactID is the largest id a Struct number carries without loss
const maxExactID = 1 << 53

// ErrMalformedMessage is returned when a message misses a field or carries a
// value of the wrong type
var ErrMalformedMessage = errors.New("api: malformed message")

// FullMethod returns the gRPC method path of a placement method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// TableRequest creates, reshards, drops or describes a table. Drop and
// describe only use TableID, reshard ignores DatabaseID and Kind.
type TableRequest struct {
	TableID    int64
	DatabaseID int64
	Kind       string
	Nodes      []int64
}

// Encode converts the request to its wire form
func (r TableRequest) Encode() (*structpb.Struct, error) {
	if err := checkIDs(append([]int64{r.TableID, r.DatabaseID}, r.Nodes...)...); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		FieldTableID:    r.TableID,
		FieldDatabaseID: r.DatabaseID,
		FieldKind:       r.Kind,
		FieldNodes:      idList(r.Nodes),
	})
}

// DecodeTableRequest parses a table request, only table_id is mandatory
func DecodeTableRequest(s *structpb.Struct) (TableRequest, error) {
	var (
		r   TableRequest
		err error
	)
	if r.TableID, err = intField(s, FieldTableID, true); err != nil {
		return r, err
	}
	if r.DatabaseID, err = intField(s, FieldDatabaseID, false); err != nil {
		return r, err
	}
	if r.Kind, err = stringField(s, FieldKind); err != nil {
		return r, err
	}
	if r.Nodes, err = intListField(s, FieldNodes); err != nil {
		return r, err
	}
	return r, nil
}

// KeyRequest asks for the partitions of a table that serve a key. Keys are
// arbitrary bytes: valid UTF-8 travels in the key field, anything else is
// base64 encoded in key_b64 since protobuf strings must be UTF-8.
type KeyRequest struct {
	TableID int64
	Key     []byte
}

// Encode converts the request to its wire form
func (r KeyRequest) Encode() (*structpb.Struct, error) {
	if err := checkIDs(r.TableID); err != nil {
		return nil, err
	}
	fields := map[string]any{FieldTableID: r.TableID}
	if utf8.Valid(r.Key) {
		fields[FieldKey] = string(r.Key)
	} else {
		fields[FieldKeyBase64] = base64.StdEncoding.EncodeToString(r.Key)
	}
	return structpb.NewStruct(fields)
}

// DecodeKeyRequest parses a key request, a missing key is the empty key
func DecodeKeyRequest(s *structpb.Struct) (KeyRequest, error) {
	var r KeyRequest
	tableID, err := intField(s, FieldTableID, true)
	if err != nil {
		return r, err
	}
	r.TableID = tableID

	text, err := stringField(s, FieldKey)
	if err != nil {
		return r, err
	}
	encoded, err := stringField(s, FieldKeyBase64)
	if err != nil {
		return r, err
	}

	_, hasText := s.GetFields()[FieldKey]
	_, hasEncoded := s.GetFields()[FieldKeyBase64]
	switch {
	case hasText && hasEncoded:
		return r, fmt.Errorf("%w: both %s and %s set", ErrMalformedMessage, FieldKey, FieldKeyBase64)
	case hasEncoded:
		if r.Key, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return r, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, FieldKeyBase64, err)
		}
	default:
		r.Key = []byte(text)
	}
	return r, nil
}

// EncodePartitions builds a partition list response
func EncodePartitions(ids []int64) (*structpb.Struct, error) {
	if err := checkIDs(ids...); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		FieldPartitions: idList(ids),
	})
}

// DecodePartitions parses a partition list response
func DecodePartitions(s *structpb.Struct) ([]int64, error) {
	return intListField(s, FieldPartitions)
}

// TableInfo describes a loaded table and its current mapping
type TableInfo struct {
	TableID        int64
	DatabaseID     int64
	Kind           string
	Partitions     []int64
	JoinPartitions []int64
	Redundancy     int64
	Fingerprint    uint64
}

// Encode converts the descriptor to its wire form. The fingerprint travels as
// a hex string since it does not fit a Struct number.
func (t TableInfo) Encode() (*structpb.Struct, error) {
	m, err := t.fields()
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func (t TableInfo) fields() (map[string]any, error) {
	ids := append([]int64{t.TableID, t.DatabaseID}, t.Partitions...)
	if err := checkIDs(append(ids, t.JoinPartitions...)...); err != nil {
		return nil, err
	}
	return map[string]any{
		FieldTableID:        t.TableID,
		FieldDatabaseID:     t.DatabaseID,
		FieldKind:           t.Kind,
		FieldPartitions:     idList(t.Partitions),
		FieldJoinPartitions: idList(t.JoinPartitions),
		FieldRedundancy:     t.Redundancy,
		FieldFingerprint:    strconv.FormatUint(t.Fingerprint, 16),
	}, nil
}

// DecodeTableInfo parses a table descriptor
func DecodeTableInfo(s *structpb.Struct) (TableInfo, error) {
	var (
		t   TableInfo
		err error
	)
	if t.TableID, err = intField(s, FieldTableID, true); err != nil {
		return t, err
	}
	if t.DatabaseID, err = intField(s, FieldDatabaseID, false); err != nil {
		return t, err
	}
	if t.Kind, err = stringField(s, FieldKind); err != nil {
		return t, err
	}
	if t.Partitions, err = intListField(s, FieldPartitions); err != nil {
		return t, err
	}
	if t.JoinPartitions, err = intListField(s, FieldJoinPartitions); err != nil {
		return t, err
	}
	if t.Redundancy, err = intField(s, FieldRedundancy, false); err != nil {
		return t, err
	}

	fingerprint, err := stringField(s, FieldFingerprint)
	if err != nil {
		return t, err
	}
	if fingerprint != "" {
		if t.Fingerprint, err = strconv.ParseUint(fingerprint, 16, 64); err != nil {
			return t, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, FieldFingerprint, err)
		}
	}
	return t, nil
}

// EncodeTableList builds the ListTables response
func EncodeTableList(infos []TableInfo) (*structpb.Struct, error) {
	list := make([]any, 0, len(infos))
	for _, info := range infos {
		m, err := info.fields()
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return structpb.NewStruct(map[string]any{FieldTables: list})
}

// DecodeTableList parses the ListTables response
func DecodeTableList(s *structpb.Struct) ([]TableInfo, error) {
	v, ok := s.GetFields()[FieldTables]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: %s is not a list", ErrMalformedMessage, FieldTables)
	}

	out := make([]TableInfo, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		st := item.GetStructValue()
		if st == nil {
			return nil, fmt.Errorf("%w: %s holds a non-object", ErrMalformedMessage, FieldTables)
		}
		info, err := DecodeTableInfo(st)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func checkIDs(ids ...int64) error {
	for _, id := range ids {
		if id > maxExactID || id < -maxExactID {
			return fmt.Errorf("%w: id %d is out of the exact number range", ErrMalformedMessage, id)
		}
	}
	return nil
}

func idList(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func intField(s *structpb.Struct, name string, required bool) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		if required {
			return 0, fmt.Errorf("%w: missing %s", ErrMalformedMessage, name)
		}
		return 0, nil
	}
	return toInt(name, v)
}

func intListField(s *structpb.Struct, name string) ([]int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: %s is not a list", ErrMalformedMessage, name)
	}

	out := make([]int64, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		n, err := toInt(name, item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func toInt(name string, v *structpb.Value) (int64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformedMessage, name)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > maxExactID {
		return 0, fmt.Errorf("%w: %s holds %v, not an integer id", ErrMalformedMessage, name, f)
	}
	return int64(f), nil
}

func stringField(s *structpb.Struct, name string) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return "", nil
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrMalformedMessage, name)
	}
	return str.StringValue, nil
}
