package db

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized returned by Initialize when the process-wide engine is set already.
	ErrAlreadyInitialized = errors.New("engine is already initialized")

	// ErrNoEngine returned when a connection is requested before Initialize.
	ErrNoEngine = errors.New("engine is not initialized")

	// ErrUninitializedConnection returned on cursor request from a context without an open connection.
	// Usually means a query runs outside of any scope, or after the scope was closed.
	ErrUninitializedConnection = errors.New("connection is not initialized")

	// ErrRolledBack returned by the outermost transaction scope rolled back because a nested scope failed,
	// while the outermost one itself had no error to report.
	ErrRolledBack = errors.New("transaction rolled back, nested scope failed")
)

// QueryError wraps a driver failure for the given (translated) sql.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q failed: %v", e.SQL, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TxError reports failed commit or rollback of the outermost transaction scope.
type TxError struct {
	Op  string // commit or rollback
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("can't %s transaction: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
