package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"strconv"

	"github.com/go-pkgz/stringutils"
)

const maxLoggedQuery = 512 // runes of the query text in debug logs

// Select runs the query and returns all rows. Returns an empty, non-nil slice if nothing matched.
// Placeholders are "?" for every dialect.
func Select(ctx context.Context, query string, args ...any) (res []Row, err error) {
	ctx, cs := OpenConn(ctx)
	defer cs.Close(&err)
	return fetch(ctx, query, false, args)
}

// SelectOne runs the query and returns the first row, nil if nothing matched.
func SelectOne(ctx context.Context, query string, args ...any) (res *Row, err error) {
	ctx, cs := OpenConn(ctx)
	defer cs.Close(&err)
	rows, err := fetch(ctx, query, true, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// SelectFirst is Select with first unset and SelectOne with first set. The result is []Row or *Row,
// untyped nil if first is set and nothing matched.
func SelectFirst(ctx context.Context, query string, first bool, args ...any) (any, error) {
	if !first {
		return Select(ctx, query, args...)
	}
	row, err := SelectOne(ctx, query, args...)
	if err != nil || row == nil {
		return nil, err
	}
	return row, nil
}

// SelectInt returns the first column of the first row as integer, for count(*) and alike.
// found is false if nothing matched or the value is NULL. Fractional values are an error.
func SelectInt(ctx context.Context, query string, args ...any) (val int64, found bool, err error) {
	row, err := SelectOne(ctx, query, args...)
	if err != nil || row == nil || row.Len() == 0 {
		return 0, false, err
	}
	switch v := row.vals[0].(type) {
	case nil:
		return 0, false, nil
	case int64:
		return v, true, nil
	case int32:
		return int64(v), true, nil
	case int:
		return int64(v), true, nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) >= math.MaxInt64 {
			return 0, false, fmt.Errorf("can't convert %v to int", v)
		}
		return int64(v), true, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("can't convert %q to int: %w", v, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected value type %T", v)
	}
}

// Update runs a statement and returns the number of affected rows. Not transactional by itself,
// wrap multiple statements with WithTx to make them atomic.
func Update(ctx context.Context, query string, args ...any) (n int64, err error) {
	ctx, cs := OpenConn(ctx)
	defer cs.Close(&err)
	res, err := exec(ctx, query, args)
	if err != nil {
		return 0, err
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("can't get affected rows: %w", err)
	}
	return n, nil
}

// Insert runs a statement and returns the last inserted id. Postgres driver doesn't report it,
// use "INSERT ... RETURNING id" with SelectInt instead.
func Insert(ctx context.Context, query string, args ...any) (id int64, err error) {
	ctx, cs := OpenConn(ctx)
	defer cs.Close(&err)
	res, err := exec(ctx, query, args)
	if err != nil {
		return 0, err
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("can't get last insert id: %w", err)
	}
	return id, nil
}

func exec(ctx context.Context, query string, args []any) (sql.Result, error) {
	q, dialect, err := current(ctx).cursor(ctx)
	if err != nil {
		return nil, err
	}
	query = dialect.Translate(query)
	log.Printf("[DEBUG] sql: %s, args: %v", stringutils.Truncate(query, maxLoggedQuery), args)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	return res, nil
}

// fetch runs the query in the current connection and scans the rows. With first set stops after the first row.
func fetch(ctx context.Context, query string, first bool, args []any) ([]Row, error) {
	q, dialect, err := current(ctx).cursor(ctx)
	if err != nil {
		return nil, err
	}
	query = dialect.Translate(query)
	log.Printf("[DEBUG] sql: %s, args: %v", stringutils.Truncate(query, maxLoggedQuery), args)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	res := []Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryError{SQL: query, Err: err}
		}
		res = append(res, NewRow(cols, vals))
		if first {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	return res, nil
}
