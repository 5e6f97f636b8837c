package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// insertBatchSize bounds the rows per INSERT so a bucket table stays below
// the bound-parameter limit of older SQLite builds
const insertBatchSize = 200

// Executor runs catalog statements. Both *sql.DB and *sql.Tx satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLStore keeps mapping rows in relational catalog tables
type SQLStore struct {
	db     Executor
	logger *zap.Logger
}

// NewSQLStore creates a store that issues its statements through db
func NewSQLStore(db Executor, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the mapping relations if they do not exist yet
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + string(HashRelation) + ` (
			bucket_index INTEGER NOT NULL,
			table_id     INTEGER NOT NULL,
			database_id  INTEGER NOT NULL,
			node_id      INTEGER NOT NULL,
			PRIMARY KEY (table_id, bucket_index)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + string(ReplicatedRelation) + ` (
			table_id    INTEGER NOT NULL,
			database_id INTEGER NOT NULL,
			node_id     INTEGER NOT NULL,
			PRIMARY KEY (table_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + string(RoundRobinRelation) + ` (
			table_id    INTEGER NOT NULL,
			database_id INTEGER NOT NULL,
			node_id     INTEGER NOT NULL,
			PRIMARY KEY (table_id, node_id)
		)`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create catalog schema: %w", err)
		}
	}
	return nil
}

// InsertRows inserts rows in multi-row batches
func (s *SQLStore) InsertRows(ctx context.Context, rel Relation, rows []Row) error {
	if err := rel.Validate(); err != nil {
		return err
	}

	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		query, args := insertStatement(rel, rows[start:end])

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert %s rows: %w", rel, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			s.logger.Debug("Inserted catalog rows",
				zap.String("relation", string(rel)),
				zap.Int64("rows", affected))
		}
	}
	return nil
}

// SelectRows reads all rows of a table in catalog order
func (s *SQLStore) SelectRows(ctx context.Context, rel Relation, tableID int64) (out []Row, err error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}

	var query string
	if rel == HashRelation {
		query = `SELECT bucket_index, table_id, database_id, node_id FROM ` + string(rel) +
			` WHERE table_id = ? ORDER BY bucket_index`
	} else {
		query = `SELECT table_id, database_id, node_id FROM ` + string(rel) +
			` WHERE table_id = ? ORDER BY node_id`
	}

	rows, err := s.db.QueryContext(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s rows: %w", rel, err)
	}
	defer func() {
		err = multierr.Append(err, rows.Close())
	}()

	for rows.Next() {
		var row Row
		if rel == HashRelation {
			err = rows.Scan(&row.Bucket, &row.TableID, &row.DatabaseID, &row.NodeID)
		} else {
			err = rows.Scan(&row.TableID, &row.DatabaseID, &row.NodeID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", rel, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", rel, err)
	}

	return out, nil
}

// DeleteRows deletes all rows of a table
func (s *SQLStore) DeleteRows(ctx context.Context, rel Relation, tableID int64) (int64, error) {
	if err := rel.Validate(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+string(rel)+` WHERE table_id = ?`, tableID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s rows: %w", rel, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted %s rows: %w", rel, err)
	}
	return affected, nil
}

// InTx runs fn against a store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func InTx(ctx context.Context, db *sql.DB, logger *zap.Logger, fn func(Store) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog transaction: %w", err)
	}

	if err := fn(NewSQLStore(tx, logger)); err != nil {
		return multierr.Append(err, tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog transaction: %w", err)
	}
	return nil
}

// Atomically runs fn in one transaction when the store is bound to a
// database, and directly against the current transaction otherwise
func (s *SQLStore) Atomically(ctx context.Context, fn func(Store) error) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return fn(s)
	}
	return InTx(ctx, db, s.logger, fn)
}

func insertStatement(rel Relation, rows []Row) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)

	if rel == HashRelation {
		b.WriteString(`INSERT INTO ` + string(rel) + ` (bucket_index, table_id, database_id, node_id) VALUES `)
		args = make([]any, 0, len(rows)*4)
	} else {
		b.WriteString(`INSERT INTO ` + string(rel) + ` (table_id, database_id, node_id) VALUES `)
		args = make([]any, 0, len(rows)*3)
	}

	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		if rel == HashRelation {
			b.WriteString("(?, ?, ?, ?)")
			args = append(args, row.Bucket, row.TableID, row.DatabaseID, row.NodeID)
		} else {
			b.WriteString("(?, ?, ?)")
			args = append(args, row.TableID, row.DatabaseID, row.NodeID)
		}
	}

	return b.String(), args
}
