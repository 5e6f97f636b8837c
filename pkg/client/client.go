// Package client is a typed client of the placement service
package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/3vilhamster/partition-placement/pkg/api"
	"github.com/3vilhamster/partition-placement/pkg/client/config"
	"github.com/3vilhamster/partition-placement/pkg/client/connection"
)

// Client calls the placement service. It is safe for concurrent use.
type Client struct {
	conn   *grpc.ClientConn
	config config.ClientConfig
	logger *zap.Logger
}

// New connects to cfg.ServerAddr and, when cfg.DialTimeout is set, waits for
// the connection to become ready
func New(ctx context.Context, cfg config.ClientConfig, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := connection.Dial(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.DialTimeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := connection.WaitReady(waitCtx, conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to reach %s: %w", cfg.ServerAddr, err)
		}
	}

	return &Client{
		conn:   conn,
		config: cfg,
		logger: logger,
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Healthy reports whether the server is serving placement calls
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	return connection.CheckHealth(ctx, c.conn)
}

// CreateTable distributes a new table over nodes. An empty kind selects the
// server default.
func (c *Client) CreateTable(ctx context.Context, tableID, databaseID int64, kind string, nodes []int64) (api.TableInfo, error) {
	return c.tableCall(ctx, api.MethodCreateTable, api.TableRequest{
		TableID:    tableID,
		DatabaseID: databaseID,
		Kind:       kind,
		Nodes:      nodes,
	})
}

// Reshard replaces the node list of a table
func (c *Client) Reshard(ctx context.Context, tableID int64, nodes []int64) (api.TableInfo, error) {
	return c.tableCall(ctx, api.MethodReshard, api.TableRequest{TableID: tableID, Nodes: nodes})
}

// Describe returns the table descriptor
func (c *Client) Describe(ctx context.Context, tableID int64) (api.TableInfo, error) {
	return c.tableCall(ctx, api.MethodDescribe, api.TableRequest{TableID: tableID})
}

// DropTable removes a table
func (c *Client) DropTable(ctx context.Context, tableID int64) error {
	in, err := api.TableRequest{TableID: tableID}.Encode()
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, api.MethodDropTable, in)
	return err
}

// ListTables describes every table loaded by the server
func (c *Client) ListTables(ctx context.Context) ([]api.TableInfo, error) {
	out, err := c.invoke(ctx, api.MethodListTables, &structpb.Struct{})
	if err != nil {
		return nil, err
	}
	return api.DecodeTableList(out)
}

// GetPartitions returns the partitions a write of key goes to
func (c *Client) GetPartitions(ctx context.Context, tableID int64, key []byte) ([]int64, error) {
	return c.keyCall(ctx, api.MethodGetPartitions, tableID, key)
}

// FindPartitions returns the partitions a read of key may be served by
func (c *Client) FindPartitions(ctx context.Context, tableID int64, key []byte) ([]int64, error) {
	return c.keyCall(ctx, api.MethodFindPartitions, tableID, key)
}

// JoinPartitions returns the partitions a join over the table visits
func (c *Client) JoinPartitions(ctx context.Context, tableID int64) ([]int64, error) {
	return c.listCall(ctx, api.MethodJoinPartitions, tableID)
}

// AllPartitions returns every partition of the table
func (c *Client) AllPartitions(ctx context.Context, tableID int64) ([]int64, error) {
	return c.listCall(ctx, api.MethodAllPartitions, tableID)
}

func (c *Client) tableCall(ctx context.Context, method string, req api.TableRequest) (api.TableInfo, error) {
	in, err := req.Encode()
	if err != nil {
		return api.TableInfo{}, err
	}
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return api.TableInfo{}, err
	}
	return api.DecodeTableInfo(out)
}

func (c *Client) keyCall(ctx context.Context, method string, tableID int64, key []byte) ([]int64, error) {
	in, err := api.KeyRequest{TableID: tableID, Key: key}.Encode()
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return nil, err
	}
	return api.DecodePartitions(out)
}

func (c *Client) listCall(ctx context.Context, method string, tableID int64) ([]int64, error) {
	in, err := api.TableRequest{TableID: tableID}.Encode()
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return nil, err
	}
	return api.DecodePartitions(out)
}

// invoke returns gRPC status errors unwrapped so callers can use status.Code
func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		c.logger.Debug("Placement call failed",
			zap.String("method", method),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.CallTimeout)
}
