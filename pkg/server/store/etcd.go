package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DefaultEtcdPrefix is the key prefix used when none is configured
const DefaultEtcdPrefix = "/placement/"

// etcd rejects transactions with more operations than --max-txn-ops (128 by default)
const maxTxnOps = 128

// EtcdStore keeps mapping rows as JSON values under ordered etcd keys
type EtcdStore struct {
	client *clientv3.Client
	logger *zap.Logger
	prefix string
}

// EtcdStoreParams defines dependencies for creating an EtcdStore
type EtcdStoreParams struct {
	fx.In

	Client *clientv3.Client
	Logger *zap.Logger
	Prefix string `optional:"true" name:"etcdPrefix"`
}

// NewEtcdStore creates a new etcd store after checking that every endpoint answers
func NewEtcdStore(params EtcdStoreParams) (*EtcdStore, error) {
	params.Logger.Info("Creating new etcd catalog store")

	// check etcd connectivity
	for _, endpoint := range params.Client.Endpoints() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		st, err := params.Client.Status(ctx, endpoint)
		cancel()

		if err != nil {
			params.Logger.Warn("Failed to connect to etcd",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			return nil, fmt.Errorf("failed to connect to etcd endpoint %s: %w", endpoint, err)
		}
		params.Logger.Info("Connected to etcd endpoint",
			zap.String("endpoint", endpoint),
			zap.String("version", st.Version))
	}

	return newEtcdStore(params.Client, params.Logger, params.Prefix), nil
}

func newEtcdStore(client *clientv3.Client, logger *zap.Logger, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

// InsertRows saves rows in transactions of at most maxTxnOps puts
func (s *EtcdStore) InsertRows(ctx context.Context, rel Relation, rows []Row) error {
	if err := rel.Validate(); err != nil {
		return err
	}

	ops := make([]clientv3.Op, 0, min(len(rows), maxTxnOps))
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
			return fmt.Errorf("failed to save %s rows: %w", rel, err)
		}
		ops = ops[:0]
		return nil
	}

	for _, row := range rows {
		value, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode %s row: %w", rel, err)
		}
		ops = append(ops, clientv3.OpPut(s.rowKey(rel, row), string(value)))

		if len(ops) == maxTxnOps {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// SelectRows reads the table prefix, keys sort in catalog order
func (s *EtcdStore) SelectRows(ctx context.Context, rel Relation, tableID int64) ([]Row, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}

	resp, err := s.client.Get(ctx, s.tableKey(rel, tableID),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to get %s rows: %w", rel, err)
	}

	rows := make([]Row, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var row Row
		if err := json.Unmarshal(kv.Value, &row); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrMalformedRow, string(kv.Key), err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// DeleteRows removes the table prefix
func (s *EtcdStore) DeleteRows(ctx context.Context, rel Relation, tableID int64) (int64, error) {
	if err := rel.Validate(); err != nil {
		return 0, err
	}

	resp, err := s.client.Delete(ctx, s.tableKey(rel, tableID), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s rows: %w", rel, err)
	}
	return resp.Deleted, nil
}

// tableKey is zero-padded so that lexical key order equals numeric order.
// Negative ids are not produced by the catalog.
func (s *EtcdStore) tableKey(rel Relation, tableID int64) string {
	return fmt.Sprintf("%s%s/%020d/", s.prefix, rel, tableID)
}

func (s *EtcdStore) rowKey(rel Relation, row Row) string {
	return fmt.Sprintf("%s%010d", s.tableKey(rel, row.TableID), row.Ordinal(rel))
}
