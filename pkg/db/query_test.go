package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rows, err := Select(ctx, "SELECT id, name FROM user")
	require.NoError(t, err)
	assert.NotNil(t, rows, "empty result is not nil")
	assert.Empty(t, rows)

	for i, name := range []string{"Michael", "Bob"} {
		n, err := Update(ctx, "INSERT INTO user (id, name) VALUES (?, ?)", i+1, name)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	rows, err = Select(ctx, "SELECT id, name FROM user")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"id", "name"}, rows[0].Columns())
	assert.Equal(t, []any{int64(1), "Michael"}, rows[0].Values())
	assert.Equal(t, []any{int64(2), "Bob"}, rows[1].Values())
	assert.Equal(t, map[string]any{"id": int64(2), "name": "Bob"}, rows[1].Map())

	rows, err = Select(ctx, "SELECT name, id FROM user WHERE name=?", "Bob")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"name", "id"}, rows[0].Columns())

	assert.Equal(t, f.opened.Load(), f.closed.Load(), "every query scope closed its connection")
}

func TestSelectOne(t *testing.T) {
	newFixture(t)
	ctx := context.Background()

	row, err := SelectOne(ctx, "SELECT * FROM user WHERE id=?", 1)
	require.NoError(t, err)
	assert.Nil(t, row)

	_, err = Update(ctx, "INSERT INTO user (id, name) VALUES (?, ?), (?, ?)", 1, "Michael", 2, "Bob")
	require.NoError(t, err)

	row, err = SelectOne(ctx, "SELECT id, name FROM user ORDER BY id")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.Value("id"))
	assert.Equal(t, "Michael", row.String("name"))
}

func TestSelectFirst(t *testing.T) {
	newFixture(t)
	ctx := context.Background()

	res, err := SelectFirst(ctx, "SELECT * FROM user", true)
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = SelectFirst(ctx, "SELECT * FROM user", false)
	require.NoError(t, err)
	assert.Equal(t, []Row{}, res)

	_, err = Update(ctx, "INSERT INTO user (id, name) VALUES (?, ?), (?, ?)", 1, "Michael", 2, "Bob")
	require.NoError(t, err)

	res, err = SelectFirst(ctx, "SELECT id, name FROM user ORDER BY id", true)
	require.NoError(t, err)
	row, ok := res.(*Row)
	require.True(t, ok, "single row, not a slice")
	assert.Equal(t, "Michael", row.String("name"))

	res, err = SelectFirst(ctx, "SELECT id, name FROM user ORDER BY id", false)
	require.NoError(t, err)
	rows, ok := res.([]Row)
	require.True(t, ok)
	assert.Len(t, rows, 2)
}

func TestSelectInt(t *testing.T) {
	newFixture(t)
	ctx := context.Background()

	n, found, err := SelectInt(ctx, "SELECT count(*) FROM user")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), n)

	_, found, err = SelectInt(ctx, "SELECT id FROM user WHERE id=?", 42)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = SelectInt(ctx, "SELECT NULL")
	require.NoError(t, err)
	assert.False(t, found)

	n, found, err = SelectInt(ctx, "SELECT '17'")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(17), n)

	_, _, err = SelectInt(ctx, "SELECT 'abc'")
	require.ErrorContains(t, err, `can't convert "abc" to int`)

	n, found, err = SelectInt(ctx, "SELECT 3.0")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(3), n)

	_, found, err = SelectInt(ctx, "SELECT 2.5")
	require.EqualError(t, err, "can't convert 2.5 to int")
	assert.False(t, found)
}

func TestUpdate(t *testing.T) {
	newFixture(t)
	ctx := context.Background()

	_, err := Update(ctx, "INSERT INTO user (id, name) VALUES (?, ?), (?, ?), (?, ?)", 1, "Michael", 2, "Bob", 3, "Adam")
	require.NoError(t, err)

	n, err := Update(ctx, "UPDATE user SET name=? WHERE id > ?", "Anon", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = Update(ctx, "DELETE FROM user WHERE id=?", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestQueryError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := Select(ctx, "SELECT * FROM nope WHERE id=?", 1)
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "SELECT * FROM nope WHERE id=?", qErr.SQL)
	assert.ErrorContains(t, err, "no such table: nope")

	_, err = Update(ctx, "INSERT INTO user (id) VALUES (?)", 1)
	require.ErrorAs(t, err, &qErr)
	assert.ErrorContains(t, err, "NOT NULL constraint failed")

	assert.Equal(t, int32(2), f.opened.Load())
	assert.Equal(t, int32(2), f.closed.Load(), "connections closed on failure")
}

func TestUninitializedConnection(t *testing.T) {
	newFixture(t)
	ctx := context.Background()

	_, err := fetch(ctx, "SELECT 1", false, nil)
	require.ErrorIs(t, err, ErrUninitializedConnection)
	_, err = exec(ctx, "SELECT 1", nil)
	require.ErrorIs(t, err, ErrUninitializedConnection)

	c := newLazyConn()
	_, err = c.cursor(ctx, false)
	require.NoError(t, err)
	assert.True(t, c.Opened())
	assert.Equal(t, SQLite, c.Dialect())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")
	assert.False(t, c.Opened())
	_, err = c.cursor(ctx, false)
	require.ErrorIs(t, err, ErrUninitializedConnection)
}

func TestNoEngine(t *testing.T) {
	_, err := Select(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrNoEngine)

	err = WithTx(context.Background(), func(ctx context.Context) error {
		_, err := Update(ctx, "DELETE FROM user")
		return err
	})
	require.ErrorIs(t, err, ErrNoEngine)
}

func TestLazyConn_CloseWithOpenTx(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := newLazyConn()
	q, err := c.cursor(ctx, true)
	require.NoError(t, err)
	_, err = q.ExecContext(ctx, "INSERT INTO user (id, name) VALUES (1, 'Michael')")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), f.rollbacks.Load())
	assert.Equal(t, int32(1), f.closed.Load())

	n, _, err := SelectInt(ctx, "SELECT count(*) FROM user")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
