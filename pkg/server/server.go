package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/3vilhamster/partition-placement/pkg/api"
	"github.com/3vilhamster/partition-placement/pkg/placement"
	"github.com/3vilhamster/partition-placement/pkg/server/tables"
)

// PlacementServer is the server side of placement.v1.Placement
type PlacementServer interface {
	CreateTable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DropTable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reshard(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPartitions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindPartitions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JoinPartitions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AllPartitions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Describe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTables(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(PlacementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: api.ServiceName,
	HandlerType: (*PlacementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(api.MethodCreateTable, PlacementServer.CreateTable),
		unary(api.MethodDropTable, PlacementServer.DropTable),
		unary(api.MethodReshard, PlacementServer.Reshard),
		unary(api.MethodGetPartitions, PlacementServer.GetPartitions),
		unary(api.MethodFindPartitions, PlacementServer.FindPartitions),
		unary(api.MethodJoinPartitions, PlacementServer.JoinPartitions),
		unary(api.MethodAllPartitions, PlacementServer.AllPartitions),
		unary(api.MethodDescribe, PlacementServer.Describe),
		unary(api.MethodListTables, PlacementServer.ListTables),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "placement/v1/placement.proto",
}

// RegisterPlacementServer registers srv on a gRPC server
func RegisterPlacementServer(registrar grpc.ServiceRegistrar, srv PlacementServer) {
	registrar.RegisterService(&serviceDesc, srv)
}

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PlacementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: api.FullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PlacementServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Leadership tells whether this process may change table mappings
type Leadership interface {
	IsLeader() bool
}

// errNotLeader is returned for table changes sent to a follower
var errNotLeader = errors.New("server: not the catalog leader")

// Server serves partition maps of the tables held by a directory
type Server struct {
	directory  *tables.Directory
	logger     *zap.Logger
	leadership Leadership
}

// NewServer creates a placement server over directory. With a nil
// leadership every process accepts table changes.
func NewServer(directory *tables.Directory, logger *zap.Logger, leadership Leadership) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		directory:  directory,
		logger:     logger,
		leadership: leadership,
	}
}

var _ PlacementServer = (*Server)(nil)

// CreateTable distributes a new table over the requested nodes
func (s *Server) CreateTable(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := api.DecodeTableRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.checkLeader(); err != nil {
		return nil, err
	}

	table := tables.Table{
		ID:         placement.TableID(req.TableID),
		DatabaseID: placement.DatabaseID(req.DatabaseID),
		Kind:       placement.Kind(req.Kind),
	}
	if _, err := s.directory.Create(ctx, table, partitionIDs(req.Nodes)); err != nil {
		return nil, toStatus(err)
	}
	return s.describe(ctx, table.ID)
}

// DropTable removes a table and its catalog rows
func (s *Server) DropTable(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := api.DecodeTableRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.checkLeader(); err != nil {
		return nil, err
	}
	if _, err := s.directory.Resolve(ctx, placement.TableID(req.TableID)); err != nil {
		return nil, toStatus(err)
	}
	if err := s.directory.Drop(ctx, placement.TableID(req.TableID)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Reshard replaces the node list of a table
func (s *Server) Reshard(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := api.DecodeTableRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.checkLeader(); err != nil {
		return nil, err
	}
	if _, err := s.directory.Resolve(ctx, placement.TableID(req.TableID)); err != nil {
		return nil, toStatus(err)
	}
	if _, err := s.directory.Reshard(ctx, placement.TableID(req.TableID), partitionIDs(req.Nodes)); err != nil {
		return nil, toStatus(err)
	}
	return s.describe(ctx, placement.TableID(req.TableID))
}

// GetPartitions returns the partitions a write of the key goes to
func (s *Server) GetPartitions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.byKey(ctx, in, placement.Map.GetPartitions)
}

// FindPartitions returns the partitions a read of the key is served by
func (s *Server) FindPartitions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.byKey(ctx, in, placement.Map.FindPartitions)
}

// JoinPartitions returns the partitions a join has to visit
func (s *Server) JoinPartitions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.byTable(ctx, in, placement.Map.JoinPartitions)
}

// AllPartitions returns every partition of the table
func (s *Server) AllPartitions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.byTable(ctx, in, placement.Map.AllPartitions)
}

// Describe returns the table descriptor and its mapping fingerprint
func (s *Server) Describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := api.DecodeTableRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.describe(ctx, placement.TableID(req.TableID))
}

// ListTables describes every loaded table
func (s *Server) ListTables(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var infos []api.TableInfo
	for _, table := range s.directory.Tables() {
		info, err := s.tableInfo(table.ID)
		if errors.Is(err, tables.ErrTableNotFound) {
			// dropped while listing
			continue
		}
		if err != nil {
			return nil, toStatus(err)
		}
		infos = append(infos, info)
	}

	out, err := api.EncodeTableList(infos)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) byKey(ctx context.Context, in *structpb.Struct, route func(placement.Map, []byte) (placement.Set, error)) (*structpb.Struct, error) {
	req, err := api.DecodeKeyRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}

	m, err := s.directory.Resolve(ctx, placement.TableID(req.TableID))
	if err != nil {
		return nil, toStatus(err)
	}

	set, err := route(m, req.Key)
	if err != nil {
		s.logger.Error("Failed to route key",
			zap.Int64("table", req.TableID),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return encodeSet(set)
}

func (s *Server) byTable(ctx context.Context, in *structpb.Struct, list func(placement.Map) placement.Set) (*structpb.Struct, error) {
	req, err := api.DecodeTableRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}

	m, err := s.directory.Resolve(ctx, placement.TableID(req.TableID))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeSet(list(m))
}

func (s *Server) describe(ctx context.Context, tableID placement.TableID) (*structpb.Struct, error) {
	if _, err := s.directory.Resolve(ctx, tableID); err != nil {
		return nil, toStatus(err)
	}
	info, err := s.tableInfo(tableID)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := info.Encode()
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) tableInfo(tableID placement.TableID) (api.TableInfo, error) {
	table, fingerprint, err := s.directory.Describe(tableID)
	if err != nil {
		return api.TableInfo{}, err
	}
	m, err := s.directory.Lookup(tableID)
	if err != nil {
		return api.TableInfo{}, err
	}

	return api.TableInfo{
		TableID:        int64(table.ID),
		DatabaseID:     int64(table.DatabaseID),
		Kind:           string(table.Kind),
		Partitions:     int64s(m.AllPartitions()),
		JoinPartitions: int64s(m.JoinPartitions()),
		Redundancy:     int64(m.RedundancyLevel()),
		Fingerprint:    fingerprint,
	}, nil
}

func (s *Server) checkLeader() error {
	if s.leadership == nil || s.leadership.IsLeader() {
		return nil
	}
	return toStatus(errNotLeader)
}

func encodeSet(set placement.Set) (*structpb.Struct, error) {
	out, err := api.EncodePartitions(int64s(set))
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func partitionIDs(ids []int64) []placement.PartitionID {
	out := make([]placement.PartitionID, len(ids))
	for i, id := range ids {
		out[i] = placement.PartitionID(id)
	}
	return out
}

func int64s(set placement.Set) []int64 {
	out := make([]int64, len(set))
	for i, id := range set {
		out[i] = int64(id)
	}
	return out
}

// toStatus maps domain errors to gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var catalogErr *placement.CatalogError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, placement.ErrInvalidArgument),
		errors.Is(err, placement.ErrUnknownKind),
		errors.Is(err, api.ErrMalformedMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, tables.ErrTableNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, tables.ErrTableExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, placement.ErrInternalConsistency):
		return status.Error(codes.Internal, err.Error())
	case errors.As(err, &catalogErr):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
