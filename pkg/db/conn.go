package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Querier executes statements. Implemented by *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Tx is a backend transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// Conn is a backend connection handle produced by Engine.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// sqlConn adapts *sql.Conn to Conn
type sqlConn struct {
	*sql.Conn
}

func (c sqlConn) Begin(ctx context.Context) (Tx, error) {
	return c.Conn.BeginTx(ctx, nil)
}

// LazyConn defers acquisition of the backend connection until the first cursor request.
// The backend connection is created at most once and closed at most once.
type LazyConn struct {
	id     string
	engine *Engine
	conn   Conn
	tx     Tx
	closed bool
}

func newLazyConn() *LazyConn {
	return &LazyConn{id: uuid.NewString()[:8]}
}

// ID returns short connection id used in logs.
func (c *LazyConn) ID() string { return c.id }

// Dialect returns the dialect of the engine the connection was opened with, empty before the first cursor.
func (c *LazyConn) Dialect() Dialect {
	if c.engine == nil {
		return ""
	}
	return c.engine.Dialect()
}

// Opened reports whether the backend connection was materialized.
func (c *LazyConn) Opened() bool { return c.conn != nil }

// cursor returns a querier for the next statement, opening the backend connection on the first call.
// With inTx set, statements join a transaction, begun on demand and kept till commit or rollback.
func (c *LazyConn) cursor(ctx context.Context, inTx bool) (Querier, error) {
	if c.closed {
		return nil, ErrUninitializedConnection
	}
	if c.conn == nil {
		e, err := Default()
		if err != nil {
			return nil, err
		}
		conn, err := e.NewConnection(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't open connection: %w", err)
		}
		c.engine, c.conn = e, conn
		log.Printf("[DEBUG] connection %s opened", c.id)
	}
	if !inTx {
		if c.tx != nil {
			return c.tx, nil
		}
		return c.conn, nil
	}
	if c.tx == nil {
		tx, err := c.conn.Begin(ctx)
		if err != nil {
			return nil, &TxError{Op: "begin", Err: err}
		}
		c.tx = tx
		log.Printf("[DEBUG] connection %s, transaction started", c.id)
	}
	return c.tx, nil
}

// Commit commits the pending transaction. Nothing to do if no statement joined it.
func (c *LazyConn) Commit() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[DEBUG] connection %s, transaction committed", c.id)
	return nil
}

// Rollback rolls back the pending transaction, if any.
func (c *LazyConn) Rollback() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil {
		return err
	}
	log.Printf("[DEBUG] connection %s, transaction rolled back", c.id)
	return nil
}

// Close releases the backend connection. A transaction still open at this point is rolled back.
// Safe to call multiple times, only the first call reaches the backend.
func (c *LazyConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	errs := new(multierror.Error)
	if c.tx != nil {
		log.Printf("[WARN] connection %s closed with open transaction, rolling back", c.id)
		if err := c.Rollback(); err != nil {
			errs = multierror.Append(errs, &TxError{Op: "rollback", Err: err})
		}
	}
	conn := c.conn
	c.conn = nil
	if err := conn.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't close connection %s: %w", c.id, err))
	}
	log.Printf("[DEBUG] connection %s closed", c.id)
	return errs.ErrorOrNil()
}
