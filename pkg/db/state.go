package db

import (
	"context"
	"log"
)

type stateKey struct{}

// execState is the per unit of work state, shared by all contexts derived from the one it was attached to.
// Not safe for concurrent use.
type execState struct {
	conn         *LazyConn
	depth        int  // active transaction scopes
	rollbackOnly bool // set by a failed scope, forces rollback at depth zero
}

// current returns the state bound to ctx, nil if none
func current(ctx context.Context) *execState {
	s, _ := ctx.Value(stateKey{}).(*execState)
	return s
}

// attach returns ctx with the state bound, making a new state if ctx has none.
func attach(ctx context.Context) (context.Context, *execState) {
	if s := current(ctx); s != nil {
		return ctx, s
	}
	s := &execState{}
	return context.WithValue(ctx, stateKey{}, s), s
}

func (s *execState) isInitialized() bool { return s.conn != nil }

func (s *execState) init() {
	s.conn = newLazyConn()
	s.depth = 0
	s.rollbackOnly = false
}

// teardown closes the connection and clears the state
func (s *execState) teardown() error {
	if s.conn == nil {
		return nil
	}
	if s.depth != 0 {
		log.Printf("[WARN] connection %s closed with %d active transaction scopes", s.conn.ID(), s.depth)
		s.depth = 0
	}
	conn := s.conn
	s.conn = nil
	s.rollbackOnly = false
	return conn.Close()
}

// cursor returns a querier for the next statement and the dialect to translate it for.
func (s *execState) cursor(ctx context.Context) (Querier, Dialect, error) {
	if s == nil || s.conn == nil {
		return nil, "", ErrUninitializedConnection
	}
	q, err := s.conn.cursor(ctx, s.depth > 0)
	if err != nil {
		return nil, "", err
	}
	return q, s.conn.Dialect(), nil
}

// Detach returns a context with no connection state bound, keeping ctx deadlines and values.
// Scopes opened on the result start a separate unit of work with its own connection.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, stateKey{}, (*execState)(nil))
}

// InScope reports whether ctx has an initialized connection.
func InScope(ctx context.Context) bool {
	s := current(ctx)
	return s != nil && s.isInitialized()
}

// Depth returns the number of active transaction scopes for ctx.
func Depth(ctx context.Context) int {
	if s := current(ctx); s != nil {
		return s.depth
	}
	return 0
}
