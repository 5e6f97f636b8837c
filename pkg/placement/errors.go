package placement

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when a distribution is requested over no nodes
	ErrInvalidArgument = errors.New("placement: invalid argument")
	// ErrInternalConsistency is returned when a hash bucket has no owner at lookup time
	ErrInternalConsistency = errors.New("placement: internal consistency error")
	// ErrUnknownKind is returned for a map kind nobody registered
	ErrUnknownKind = errors.New("placement: unknown map kind")
)

// CatalogError reports a failed metadata catalog call. The underlying
// store error is kept intact and reachable through errors.Unwrap.
type CatalogError struct {
	Op      string
	TableID TableID
	Err     error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("placement: catalog %s for table %d: %v", e.Op, e.TableID, e.Err)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

func catalogError(op string, tableID TableID, err error) error {
	return &CatalogError{Op: op, TableID: tableID, Err: err}
}
