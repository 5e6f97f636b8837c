package tables

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/3vilhamster/partition-placement/pkg/placement"
	"github.com/3vilhamster/partition-placement/pkg/server/store"
)

var (
	// ErrTableNotFound is returned for a table the directory does not know
	ErrTableNotFound = errors.New("tables: table not found")
	// ErrTableExists is returned when creating a table twice
	ErrTableExists = errors.New("tables: table already exists")
)

// Table describes a partitioned table
type Table struct {
	ID         placement.TableID
	DatabaseID placement.DatabaseID
	Kind       placement.Kind
}

// entry is published once and never mutated afterwards, except for the
// round-robin cursor which is safe for concurrent use
type entry struct {
	table       Table
	placement   placement.Map
	fingerprint uint64
}

// Directory owns the partition map of every loaded table.
//
// Routing reads never block: each table is an atomic pointer to an immutable
// entry, and every rebuild happens on a fresh map that is swapped in once it
// is complete and stored. DDL operations (create, reshard, drop) are serialized.
type Directory struct {
	mu     sync.RWMutex // guards the tables map itself
	tables map[placement.TableID]*atomic.Pointer[entry]
	// evictions counts removals from tables, a load that raced one retries
	evictions atomic.Uint64

	ddl      sync.Mutex
	store    store.Store
	registry *placement.Registry
	logger   *zap.Logger
}

// Params defines dependencies for the directory
type Params struct {
	fx.In

	Store    store.Store
	Logger   *zap.Logger
	Registry *placement.Registry `optional:"true"`
}

// NewDirectory creates an empty directory
func NewDirectory(params Params) *Directory {
	registry := params.Registry
	if registry == nil {
		registry = placement.DefaultRegistry
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Directory{
		tables:   make(map[placement.TableID]*atomic.Pointer[entry]),
		store:    params.Store,
		registry: registry,
		logger:   logger,
	}
}

// Create distributes a new table over nodes, stores it and publishes it.
// A table already stored in the catalog by another process is rejected.
func (d *Directory) Create(ctx context.Context, table Table, nodes []placement.PartitionID) (placement.Map, error) {
	d.ddl.Lock()
	defer d.ddl.Unlock()

	// the table may exist in the catalog without being loaded here
	if _, err := d.Resolve(ctx, table.ID); err == nil {
		return nil, fmt.Errorf("%w: %d", ErrTableExists, table.ID)
	} else if !errors.Is(err, ErrTableNotFound) {
		return nil, err
	}

	m, err := d.registry.New(table.Kind)
	if err != nil {
		return nil, err
	}
	table.Kind = m.Kind()

	if err := m.GenerateDistribution(nodes); err != nil {
		return nil, err
	}
	err = d.atomically(ctx, func(s store.Store) error {
		return m.StoreToCatalog(ctx, s, table.ID, table.DatabaseID)
	})
	if err != nil {
		d.logger.Error("Failed to store new table distribution",
			zap.Int64("table", int64(table.ID)),
			zap.Error(err))
		d.discardPartial(ctx, table.ID, m)
		return nil, err
	}

	d.publish(table, m)
	d.logger.Info("Table created",
		zap.Int64("table", int64(table.ID)),
		zap.String("kind", string(table.Kind)),
		zap.Stringer("nodes", m.AllPartitions()))

	return m, nil
}

// Load reads the table from the catalog unless it is already loaded. An
// empty kind is resolved by probing the catalog.
func (d *Directory) Load(ctx context.Context, table Table) (placement.Map, error) {
	if e, err := d.get(table.ID); err == nil {
		return e.placement, nil
	}
	if table.Kind == "" {
		return d.Resolve(ctx, table.ID)
	}

	for {
		evictions := d.evictions.Load()

		e, err := d.readEntry(ctx, table)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		// another caller may have loaded it meanwhile, keep theirs
		if ptr, exists := d.tables[table.ID]; exists {
			d.mu.Unlock()
			return ptr.Load().placement, nil
		}
		// a table was dropped while reading, the rows read may be gone
		if d.evictions.Load() != evictions {
			d.mu.Unlock()
			continue
		}
		d.tables[table.ID] = atomic.NewPointer(e)
		d.mu.Unlock()

		d.logger.Info("Table loaded",
			zap.Int64("table", int64(table.ID)),
			zap.String("kind", string(e.table.Kind)),
			zap.Stringer("nodes", e.placement.AllPartitions()))

		return e.placement, nil
	}
}

// Lookup returns the published map of a table
func (d *Directory) Lookup(tableID placement.TableID) (placement.Map, error) {
	e, err := d.get(tableID)
	if err != nil {
		return nil, err
	}
	return e.placement, nil
}

// Resolve returns the published map of a table, loading it from the catalog
// when another process created it. Relations are probed in kind order.
func (d *Directory) Resolve(ctx context.Context, tableID placement.TableID) (placement.Map, error) {
	if e, err := d.get(tableID); err == nil {
		return e.placement, nil
	}

	kinds := d.registry.Kinds()
	slices.Sort(kinds)
	for _, kind := range kinds {
		m, err := d.Load(ctx, Table{ID: tableID, Kind: kind})
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrTableNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrTableNotFound, tableID)
}

// Describe returns the table descriptor and the fingerprint of its mapping
func (d *Directory) Describe(tableID placement.TableID) (Table, uint64, error) {
	e, err := d.get(tableID)
	if err != nil {
		return Table{}, 0, err
	}
	return e.table, e.fingerprint, nil
}

// Reshard replaces the distribution of a table. Readers keep using the old
// map until the new one is stored and swapped in.
func (d *Directory) Reshard(ctx context.Context, tableID placement.TableID, nodes []placement.PartitionID) (placement.Map, error) {
	d.ddl.Lock()
	defer d.ddl.Unlock()

	current, err := d.get(tableID)
	if err != nil {
		return nil, err
	}

	m, err := d.registry.New(current.table.Kind)
	if err != nil {
		return nil, err
	}
	if err := m.GenerateDistribution(nodes); err != nil {
		return nil, err
	}

	err = d.atomically(ctx, func(s store.Store) error {
		if err := current.placement.RemoveFromCatalog(ctx, s, tableID); err != nil {
			return err
		}
		return m.StoreToCatalog(ctx, s, tableID, current.table.DatabaseID)
	})
	if err != nil {
		d.logger.Error("Failed to replace table distribution",
			zap.Int64("table", int64(tableID)),
			zap.Error(err))
		return nil, err
	}

	d.publish(current.table, m)
	d.logger.Info("Table resharded",
		zap.Int64("table", int64(tableID)),
		zap.Stringer("old_nodes", current.placement.AllPartitions()),
		zap.Stringer("new_nodes", m.AllPartitions()))

	return m, nil
}

// ReloadOutcome tells what a reload did to the published map
type ReloadOutcome int

const (
	// ReloadUnchanged keeps the published map
	ReloadUnchanged ReloadOutcome = iota
	// ReloadSwapped publishes the map read from the catalog
	ReloadSwapped
	// ReloadEvicted forgets a table whose rows are gone from the catalog
	ReloadEvicted
)

// Reload re-reads the table from the catalog and swaps the published map
// when the stored mapping changed. A table recreated under another kind is
// picked up, a table without rows in any relation is evicted. A failed read
// keeps the old map.
func (d *Directory) Reload(ctx context.Context, tableID placement.TableID) (ReloadOutcome, error) {
	current, err := d.get(tableID)
	if err != nil {
		return ReloadUnchanged, err
	}

	next, err := d.readEntry(ctx, current.table)
	if errors.Is(err, ErrTableNotFound) {
		next, err = d.probe(ctx, tableID, current.table.Kind)
		if errors.Is(err, ErrTableNotFound) {
			return d.evict(tableID, current), nil
		}
	}
	if err != nil {
		return ReloadUnchanged, err
	}

	if next.fingerprint == current.fingerprint && next.table == current.table {
		return ReloadUnchanged, nil
	}

	d.mu.RLock()
	ptr, exists := d.tables[tableID]
	d.mu.RUnlock()
	if !exists {
		return ReloadUnchanged, fmt.Errorf("%w: %d", ErrTableNotFound, tableID)
	}

	// a concurrent reshard wins over a reload that started before it
	if !ptr.CompareAndSwap(current, next) {
		return ReloadUnchanged, nil
	}

	d.logger.Info("Table mapping reloaded",
		zap.Int64("table", int64(tableID)),
		zap.String("kind", string(next.table.Kind)),
		zap.Stringer("nodes", next.placement.AllPartitions()))
	return ReloadSwapped, nil
}

// probe reads the table from the relations of every kind but skip
func (d *Directory) probe(ctx context.Context, tableID placement.TableID, skip placement.Kind) (*entry, error) {
	kinds := d.registry.Kinds()
	slices.Sort(kinds)
	for _, kind := range kinds {
		if kind == skip {
			continue
		}
		e, err := d.readEntry(ctx, Table{ID: tableID, Kind: kind})
		if errors.Is(err, ErrTableNotFound) {
			continue
		}
		return e, err
	}
	return nil, fmt.Errorf("%w: %d", ErrTableNotFound, tableID)
}

// evict forgets the table unless its entry changed since it was read
func (d *Directory) evict(tableID placement.TableID, current *entry) ReloadOutcome {
	d.mu.Lock()
	ptr, exists := d.tables[tableID]
	if !exists || ptr.Load() != current {
		d.mu.Unlock()
		return ReloadUnchanged
	}
	delete(d.tables, tableID)
	d.evictions.Inc()
	d.mu.Unlock()

	d.logger.Info("Table evicted, its catalog rows are gone", zap.Int64("table", int64(tableID)))
	return ReloadEvicted
}

// Drop removes the catalog rows of a table, then forgets it
func (d *Directory) Drop(ctx context.Context, tableID placement.TableID) error {
	d.ddl.Lock()
	defer d.ddl.Unlock()

	current, err := d.get(tableID)
	if err != nil {
		return err
	}

	if err := current.placement.RemoveFromCatalog(ctx, d.store, tableID); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.tables, tableID)
	d.evictions.Inc()
	d.mu.Unlock()

	d.logger.Info("Table dropped", zap.Int64("table", int64(tableID)))
	return nil
}

// Tables returns the descriptors of all loaded tables ordered by id
func (d *Directory) Tables() []Table {
	d.mu.RLock()
	out := make([]Table, 0, len(d.tables))
	for _, ptr := range d.tables {
		out = append(out, ptr.Load().table)
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b Table) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (d *Directory) get(tableID placement.TableID) (*entry, error) {
	d.mu.RLock()
	ptr, exists := d.tables[tableID]
	d.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrTableNotFound, tableID)
	}
	return ptr.Load(), nil
}

func (d *Directory) read(ctx context.Context, table Table) (placement.Map, error) {
	m, err := d.registry.New(table.Kind)
	if err != nil {
		return nil, err
	}
	if err := m.ReadFromCatalog(ctx, d.store, table.ID); err != nil {
		return nil, err
	}
	if len(m.AllPartitions()) == 0 {
		return nil, fmt.Errorf("%w: no %s rows stored for table %d", ErrTableNotFound, m.Kind(), table.ID)
	}
	if hm, ok := m.(*placement.HashMap); ok && !hm.Complete() {
		return nil, &placement.CatalogError{
			Op:      "read",
			TableID: table.ID,
			Err:     fmt.Errorf("%w: not every bucket has an owner", store.ErrMalformedRow),
		}
	}
	return m, nil
}

// readEntry reads a table of a known kind, recovering a missing database id
func (d *Directory) readEntry(ctx context.Context, table Table) (*entry, error) {
	m, err := d.read(ctx, table)
	if err != nil {
		return nil, err
	}
	if table.DatabaseID == 0 {
		if table.DatabaseID, err = d.databaseID(ctx, table); err != nil {
			return nil, err
		}
	}
	return newEntry(table, m), nil
}

// databaseID recovers the database of a table loaded without one
func (d *Directory) databaseID(ctx context.Context, table Table) (placement.DatabaseID, error) {
	rows, err := d.store.SelectRows(ctx, table.Kind.Relation(), int64(table.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to read database of table %d: %w", table.ID, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return placement.DatabaseID(rows[0].DatabaseID), nil
}

// discardPartial removes rows a failed create may have left behind in a
// store without transactions
func (d *Directory) discardPartial(ctx context.Context, tableID placement.TableID, m placement.Map) {
	if _, ok := d.store.(store.Transactional); ok {
		return
	}
	if err := m.RemoveFromCatalog(ctx, d.store, tableID); err != nil {
		d.logger.Warn("Failed to remove rows of a failed create",
			zap.Int64("table", int64(tableID)),
			zap.Error(err))
	}
}

// atomically applies fn in one catalog transaction when the store supports
// it. Other stores may be left without rows if fn fails halfway.
func (d *Directory) atomically(ctx context.Context, fn func(store.Store) error) error {
	if tx, ok := d.store.(store.Transactional); ok {
		return tx.Atomically(ctx, fn)
	}
	return fn(d.store)
}

func (d *Directory) publish(table Table, m placement.Map) {
	e := newEntry(table, m)

	d.mu.Lock()
	defer d.mu.Unlock()

	if ptr, exists := d.tables[table.ID]; exists {
		ptr.Store(e)
		return
	}
	d.tables[table.ID] = atomic.NewPointer(e)
}

func newEntry(table Table, m placement.Map) *entry {
	table.Kind = m.Kind()
	return &entry{
		table:       table,
		placement:   m,
		fingerprint: m.Snapshot().Fingerprint(),
	}
}
