// Package db provides implicit, context-bound connection and transaction management on top of database/sql.
//
// A unit of work is a chain of derived contexts. The first scope opened on a context attaches an execution
// state to it, holding a lazily opened connection and a transaction nesting counter. Nested scopes share
// that state, only the outermost transaction scope commits or rolls back, and only the scope that created
// the connection closes it.
//
//	err := db.WithTx(ctx, func(ctx context.Context) error {
//		if _, err := db.Update(ctx, "UPDATE user SET name=? WHERE id=?", "Bob", 2); err != nil {
//			return err
//		}
//		_, err := db.Update(ctx, "DELETE FROM session WHERE user_id=?", 2)
//		return err
//	})
//
// The execution state is not safe for concurrent use. Goroutines started inside a scope should use
// Detach to run as separate units of work.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"

	_ "github.com/go-sql-driver/mysql" // mysql driver loaded here
	_ "github.com/lib/pq"              // postgres driver loaded here
	_ "modernc.org/sqlite"             // sqlite driver loaded here
)

// ConnectFunc makes a new backend connection.
type ConnectFunc func(ctx context.Context) (Conn, error)

// Engine makes backend connections. Immutable after creation.
type Engine struct {
	dialect Dialect
	connect ConnectFunc
	db      *sql.DB // nil for engines made by NewEngine
}

// defaultEngine is the process-wide engine, set once by Initialize
var defaultEngine atomic.Pointer[Engine]

// NewEngine makes an engine around the connect func. Doesn't touch the process-wide engine.
func NewEngine(dialect Dialect, connect ConnectFunc) *Engine {
	return &Engine{dialect: dialect, connect: connect}
}

// Open makes an engine from params, without registering it as the process-wide one.
// The underlying pool keeps no idle connections, closing a connection closes the physical one.
func Open(params Params) (*Engine, error) {
	driver, err := params.Dialect.driverName()
	if err != nil {
		return nil, err
	}
	dsn, err := params.DSN()
	if err != nil {
		return nil, fmt.Errorf("can't make dsn: %w", err)
	}
	return open(params.Dialect, driver, dsn)
}

// OpenDSN makes an engine from a connection string, the dialect is detected from its format.
func OpenDSN(conn string) (*Engine, error) {
	dialect, err := DetectDialect(conn)
	if err != nil {
		return nil, fmt.Errorf("can't determine database type: %w", err)
	}
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	return open(dialect, driver, conn)
}

func open(dialect Dialect, driver, dsn string) (*Engine, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open %s database: %w", dialect, err)
	}
	sqlDB.SetMaxIdleConns(0)
	e := &Engine{dialect: dialect, db: sqlDB}
	e.connect = func(ctx context.Context) (Conn, error) {
		c, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return sqlConn{Conn: c}, nil
	}
	log.Printf("[DEBUG] %s engine created for %s", dialect, maskDSN(dsn))
	return e, nil
}

// Initialize makes the process-wide engine from params. Fails with ErrAlreadyInitialized on the second call,
// the engine set before stays in place.
func Initialize(params Params) (*Engine, error) {
	if defaultEngine.Load() != nil {
		return nil, ErrAlreadyInitialized
	}
	e, err := Open(params)
	if err != nil {
		return nil, err
	}
	return e, register(e)
}

// InitializeDSN makes the process-wide engine from a connection string.
func InitializeDSN(conn string) (*Engine, error) {
	if defaultEngine.Load() != nil {
		return nil, ErrAlreadyInitialized
	}
	e, err := OpenDSN(conn)
	if err != nil {
		return nil, err
	}
	return e, register(e)
}

// register sets e as the process-wide engine. Check-and-set is atomic, a racing second registration fails.
func register(e *Engine) error {
	if !defaultEngine.CompareAndSwap(nil, e) {
		if err := e.Close(); err != nil {
			log.Printf("[WARN] can't close unused engine: %v", err)
		}
		return ErrAlreadyInitialized
	}
	log.Printf("[INFO] %s engine initialized", e.dialect)
	return nil
}

// Default returns the process-wide engine.
func Default() (*Engine, error) {
	e := defaultEngine.Load()
	if e == nil {
		return nil, ErrNoEngine
	}
	return e, nil
}

// Dialect returns the engine's dialect.
func (e *Engine) Dialect() Dialect { return e.dialect }

// NewConnection makes a new backend connection. No caching on this level.
func (e *Engine) NewConnection(ctx context.Context) (Conn, error) {
	return e.connect(ctx)
}

// Close releases resources of an engine made by Open. The process-wide engine is never replaced.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}
