package api_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/3vilhamster/partition-placement/pkg/api"
)

func TestFullMethod(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/placement.v1.Placement/GetPartitions", api.FullMethod(api.MethodGetPartitions))
}

func TestTableRequest(t *testing.T) {
	t.Parallel()

	in := api.TableRequest{TableID: 12, DatabaseID: 3, Kind: "hash", Nodes: []int64{4, 5, 6}}
	s, err := in.Encode()
	require.NoError(t, err)

	out, err := api.DecodeTableRequest(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// only the table id is required
	s, err = structpb.NewStruct(map[string]any{api.FieldTableID: 7})
	require.NoError(t, err)
	out, err = api.DecodeTableRequest(s)
	require.NoError(t, err)
	assert.Equal(t, api.TableRequest{TableID: 7}, out)
}

func TestKeyRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		key   []byte
		field string
	}{
		{name: "text", key: []byte("hello"), field: api.FieldKey},
		{name: "empty", key: []byte{}, field: api.FieldKey},
		{name: "binary", key: []byte{0xff, 0x00, 0xc3}, field: api.FieldKeyBase64},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := api.KeyRequest{TableID: 3, Key: tt.key}.Encode()
			require.NoError(t, err)
			assert.Contains(t, s.GetFields(), tt.field)

			out, err := api.DecodeKeyRequest(s)
			require.NoError(t, err)
			assert.Equal(t, api.KeyRequest{TableID: 3, Key: tt.key}, out)
		})
	}

	// a missing key is the empty key
	s, err := structpb.NewStruct(map[string]any{api.FieldTableID: 3})
	require.NoError(t, err)
	out, err := api.DecodeKeyRequest(s)
	require.NoError(t, err)
	assert.Empty(t, out.Key)
}

func TestTableInfo_Fingerprint(t *testing.T) {
	t.Parallel()

	in := api.TableInfo{
		TableID:        1,
		DatabaseID:     2,
		Kind:           "replicated",
		Partitions:     []int64{1, 2},
		JoinPartitions: []int64{1},
		Fingerprint:    math.MaxUint64 - 1,
	}
	s, err := in.Encode()
	require.NoError(t, err)

	out, err := api.DecodeTableInfo(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "missing table id", fields: map[string]any{api.FieldKey: "k"}},
		{name: "table id is a string", fields: map[string]any{api.FieldTableID: "7"}},
		{name: "fractional table id", fields: map[string]any{api.FieldTableID: 1.5}},
		{name: "key is a number", fields: map[string]any{api.FieldTableID: 1, api.FieldKey: 3}},
		{name: "key set twice", fields: map[string]any{api.FieldTableID: 1, api.FieldKey: "k", api.FieldKeyBase64: "aw=="}},
		{name: "key not base64", fields: map[string]any{api.FieldTableID: 1, api.FieldKeyBase64: "!!"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)
			_, err = api.DecodeKeyRequest(s)
			assert.ErrorIs(t, err, api.ErrMalformedMessage)
		})
	}

	s, err := structpb.NewStruct(map[string]any{api.FieldTableID: 1, api.FieldNodes: []any{1, "x"}})
	require.NoError(t, err)
	_, err = api.DecodeTableRequest(s)
	assert.ErrorIs(t, err, api.ErrMalformedMessage)
}

func TestEncode_IDOutOfRange(t *testing.T) {
	t.Parallel()

	_, err := api.TableRequest{TableID: math.MaxInt64}.Encode()
	assert.ErrorIs(t, err, api.ErrMalformedMessage)

	_, err = api.EncodePartitions([]int64{1, 1 << 60})
	assert.ErrorIs(t, err, api.ErrMalformedMessage)
}

func TestTableList(t *testing.T) {
	t.Parallel()

	infos := []api.TableInfo{
		{TableID: 1, Kind: "hash", Partitions: []int64{1}, JoinPartitions: []int64{1}, Redundancy: 1, Fingerprint: 10},
		{TableID: 2, Kind: "replicated", Partitions: []int64{2, 3}, JoinPartitions: []int64{2}, Fingerprint: 20},
	}
	s, err := api.EncodeTableList(infos)
	require.NoError(t, err)

	out, err := api.DecodeTableList(s)
	require.NoError(t, err)
	assert.Equal(t, infos, out)
}
