package db

import (
	"context"
	"log"

	"github.com/hashicorp/go-multierror"
)

// ConnScope keeps a connection available for its duration.
// Only the scope that initialized the connection closes it.
type ConnScope struct {
	state    *execState
	ownsInit bool
	closed   bool
}

// OpenConn enters a connection scope. The returned context must be used inside the scope,
// the scope must be closed with a deferred Close. The context must not be shared with other goroutines,
// pass Detach(ctx) to them instead.
//
//	ctx, cs := db.OpenConn(ctx)
//	defer cs.Close(&err)
func OpenConn(ctx context.Context) (context.Context, *ConnScope) {
	ctx, st := attach(ctx)
	s := &ConnScope{state: st}
	if !st.isInitialized() {
		st.init()
		s.ownsInit = true
	}
	return ctx, s
}

// Close leaves the scope. The connection is closed if this scope opened it, on any outcome including panic.
// Close error is merged into *errp, errp can be nil. Must be called directly by defer to observe panics.
func (s *ConnScope) Close(errp *error) {
	if s.closed {
		return
	}
	s.closed = true
	r := recover()
	if s.ownsInit {
		mergeErr(errp, s.state.teardown())
	}
	if r != nil {
		panic(r)
	}
}

// TxScope is a transaction scope. Nested scopes are flattened into the outermost one,
// which commits or rolls back everything.
type TxScope struct {
	state    *execState
	ownsInit bool
	closed   bool
}

// BeginTx enters a transaction scope, opening a connection scope if none is active.
// The transaction itself starts with the first statement. As with OpenConn, goroutines started
// inside the scope get Detach(ctx), not the scope's context.
//
//	ctx, tx := db.BeginTx(ctx)
//	defer tx.Close(&err)
func BeginTx(ctx context.Context) (context.Context, *TxScope) {
	ctx, st := attach(ctx)
	s := &TxScope{state: st}
	if !st.isInitialized() {
		st.init()
		s.ownsInit = true
	}
	st.depth++
	return ctx, s
}

// Close leaves the scope. *errp (or a panic) decides the outcome: on the transition to depth zero the
// transaction is committed if neither this nor any nested scope failed, rolled back otherwise.
// The connection is closed if this scope opened it. Commit, rollback and close errors are merged into *errp.
// Must be called directly by defer to observe panics.
func (s *TxScope) Close(errp *error) {
	if s.closed {
		return
	}
	s.closed = true
	r := recover()

	st := s.state
	failed := r != nil || (errp != nil && *errp != nil)
	if failed {
		st.rollbackOnly = true
	}
	st.depth--

	if st.depth == 0 && st.conn != nil {
		switch {
		case st.rollbackOnly:
			if err := st.conn.Rollback(); err != nil {
				mergeErr(errp, &TxError{Op: "rollback", Err: err})
			}
			if !failed {
				// the failure of a nested scope was dropped by its caller, don't report success
				mergeErr(errp, ErrRolledBack)
			}
		default:
			if err := st.conn.Commit(); err != nil {
				mergeErr(errp, &TxError{Op: "commit", Err: err})
			}
		}
		st.rollbackOnly = false
	}

	if s.ownsInit {
		mergeErr(errp, st.teardown())
	}
	if r != nil {
		log.Printf("[WARN] transaction scope left on panic: %v", r)
		panic(r)
	}
}

// WithConn runs fn in a connection scope.
func WithConn(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, s := OpenConn(ctx)
	defer s.Close(&err)
	return fn(ctx)
}

// WithTx runs fn in a transaction scope. Returning an error (or panicking) rolls back the transaction.
func WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, s := BeginTx(ctx)
	defer s.Close(&err)
	return fn(ctx)
}

// InConn is WithConn for functions returning a value.
func InConn[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (res T, err error) {
	ctx, s := OpenConn(ctx)
	defer s.Close(&err)
	return fn(ctx)
}

// InTx is WithTx for functions returning a value.
func InTx[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (res T, err error) {
	ctx, s := BeginTx(ctx)
	defer s.Close(&err)
	return fn(ctx)
}

// mergeErr appends err to *errp. The original error stays first.
func mergeErr(errp *error, err error) {
	if err == nil {
		return
	}
	if errp == nil {
		log.Printf("[WARN] %v", err)
		return
	}
	if *errp == nil {
		*errp = err
		return
	}
	*errp = multierror.Append(*errp, err)
}
