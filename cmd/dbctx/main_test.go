package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-pkgz/fileutils"
	"github.com/jessevdk/go-flags"
	vault "github.com/sosedoff/ansible-vault-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbctx/pkg/config"
	"github.com/umputun/dbctx/pkg/db"
	"github.com/umputun/dbctx/pkg/secrets"
)

func TestMain(m *testing.M) {
	fname, err := fileutils.TempFileName("", "dbctx-cmd.db")
	if err != nil {
		log.Fatalf("can't make temp file name: %v", err)
	}
	e, err := db.Initialize(db.Params{Dialect: db.SQLite, Database: fname})
	if err != nil {
		log.Fatalf("can't initialize engine: %v", err)
	}
	code := m.Run()
	_ = e.Close()
	_ = os.Remove(fname)
	os.Exit(code)
}

// execArgs parses args and runs the active command on the test engine
func execArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var opts options
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	_, err := p.ParseArgs(args)
	require.NoError(t, err)
	out := bytes.Buffer{}
	err = execute(context.Background(), p.Active, opts, &out)
	return out.String(), err
}

func prepUsers(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Update(ctx, "DROP TABLE IF EXISTS users")
	require.NoError(t, err)
	_, err = db.Update(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = db.Update(ctx, "INSERT INTO users (id, name) VALUES (1, 'Michael'), (2, 'Bob')")
	require.NoError(t, err)
}

func TestSelectCmd(t *testing.T) {
	prepUsers(t)

	t.Run("json", func(t *testing.T) {
		out, err := execArgs(t, "select", "SELECT id, name FROM users WHERE id >= ? ORDER BY id", "1")
		require.NoError(t, err)
		var res []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, []map[string]any{{"id": 1.0, "name": "Michael"}, {"id": 2.0, "name": "Bob"}}, res)
	})

	t.Run("first", func(t *testing.T) {
		out, err := execArgs(t, "select", "--first", "SELECT name, id FROM users WHERE id = ?", "2")
		require.NoError(t, err)
		assert.Equal(t, "{\n  \"name\": \"Bob\",\n  \"id\": 2\n}\n", out)
	})

	t.Run("first, nothing found", func(t *testing.T) {
		out, err := execArgs(t, "select", "--first", "SELECT name FROM users WHERE id = ?", "100")
		require.NoError(t, err)
		assert.Equal(t, "null\n", out)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := execArgs(t, "select", "--format=yaml", "SELECT name FROM users ORDER BY id")
		require.NoError(t, err)
		assert.Equal(t, "- name: Michael\n- name: Bob\n", out)
	})

	t.Run("bad query", func(t *testing.T) {
		_, err := execArgs(t, "select", "SELECT nope FROM users")
		var qe *db.QueryError
		require.ErrorAs(t, err, &qe)
	})
}

func TestUpdateCmd(t *testing.T) {
	prepUsers(t)
	out, err := execArgs(t, "update", "UPDATE users SET name = ? WHERE id > ?", "Adam", "0")
	require.NoError(t, err)
	assert.Equal(t, "affected rows: 2\n", out)

	n, _, err := db.SelectInt(context.Background(), "SELECT count(*) FROM users WHERE name = 'Adam'")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRunCmd(t *testing.T) {
	prepUsers(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.sql")
	require.NoError(t, os.WriteFile(good, []byte("INSERT INTO users VALUES (3, 'Alice');\nDELETE FROM users WHERE id = 1;"), 0o600))
	bad := filepath.Join(dir, "bad.sql")
	require.NoError(t, os.WriteFile(bad, []byte("INSERT INTO users VALUES (4, 'John');\nINSERT INTO nope VALUES (1);"), 0o600))

	out, err := execArgs(t, "run", "-c", "2", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script "+bad)
	assert.Equal(t, "scripts: 2, statements: 2, affected rows: 2, failed: 1\n", out)

	rows, err := db.Select(context.Background(), "SELECT id FROM users ORDER BY id")
	require.NoError(t, err)
	ids := []string{}
	for _, r := range rows {
		ids = append(ids, r.String("id"))
	}
	assert.Equal(t, []string{"2", "3"}, ids, "good script committed, bad rolled back")
}

func TestSecretsCmd(t *testing.T) {
	var opts options
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	_, err := p.ParseArgs([]string{"secrets", "--key=k123", "list"})
	require.NoError(t, err)
	require.Equal(t, "secrets", p.Active.Name, "parser reports the top-level command")
	require.NoError(t, execute(context.Background(), p.Active, opts, &bytes.Buffer{}), "nested command resolved")

	out, err := execArgs(t, "secrets", "--key=k123", "set", "db/pass", "s3cret")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = execArgs(t, "secrets", "--key=k123", "get", "db/pass")
	require.NoError(t, err)
	assert.Equal(t, "s3cret\n", out)

	_, err = execArgs(t, "secrets", "--key=wrong", "get", "db/pass")
	require.ErrorContains(t, err, "failed to decrypt")

	out, err = execArgs(t, "secrets", "--key=k123", "list", "db/")
	require.NoError(t, err)
	assert.Equal(t, "db/pass\n", out)

	_, err = execArgs(t, "secrets", "--key=k123", "set", "db/empty", "")
	require.EqualError(t, err, `can't set empty secret for key "db/empty"`)

	_, err = execArgs(t, "secrets", "--key=k123", "del", "db/pass")
	require.NoError(t, err)
	_, err = execArgs(t, "secrets", "--key=k123", "get", "db/pass")
	require.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestExecute_NoCommand(t *testing.T) {
	err := execute(context.Background(), nil, options{}, &bytes.Buffer{})
	require.EqualError(t, err, "no command given")
}

func TestMakeDatabase(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "db.yml")
	require.NoError(t, os.WriteFile(fname, []byte("dialect: mysql\nhost: db\nuser: root\ndatabase: test\n"), 0o600))

	res, err := makeDatabase(options{Config: fname, Host: "localhost", Port: 3307,
		SecretsProvider: SecretsProvider{PasswordKey: "db_password"}})
	require.NoError(t, err)
	assert.Equal(t, config.Database{Dialect: "mysql", Host: "localhost", Port: 3307, User: "root", Database: "test",
		PasswordSecret: "db_password"}, res)

	res, err = makeDatabase(options{Conn: "/tmp/test.db"})
	require.NoError(t, err)
	assert.Equal(t, config.Database{Conn: "/tmp/test.db"}, res)

	_, err = makeDatabase(options{Config: filepath.Join(t.TempDir(), "nope.yml")})
	require.ErrorContains(t, err, "can't read config")
}

func TestInitEngine(t *testing.T) {
	_, err := initEngine(config.Database{Conn: "/tmp/other.db"})
	require.ErrorIs(t, err, db.ErrAlreadyInitialized, "engine set by TestMain stays")

	_, err = initEngine(config.Database{})
	require.EqualError(t, err, "neither connection string nor dialect defined")
}

func TestMakeSecretsProvider(t *testing.T) {
	sp, err := makeSecretsProvider(SecretsProvider{Provider: "none"})
	require.NoError(t, err)
	assert.IsType(t, &secrets.NoOpProvider{}, sp)

	vaultFile := filepath.Join(t.TempDir(), "vault.yml")
	require.NoError(t, vault.EncryptFile(vaultFile, "db_password: pass123\n", "vpass"))
	sopts := SecretsProvider{Provider: "ansible", PasswordKey: "db_password"}
	sopts.Ansible.File, sopts.Ansible.Secret = vaultFile, "vpass"
	sp, err = makeSecretsProvider(sopts)
	require.NoError(t, err)

	d := config.Database{Dialect: "mysql", User: "root", PasswordSecret: "db_password"}
	require.NoError(t, d.ResolvePassword(sp))
	assert.Equal(t, "pass123", d.Password)
	assert.False(t, needsPassword(d))
}

func TestNeedsPassword(t *testing.T) {
	tbl := []struct {
		inp config.Database
		exp bool
	}{
		{config.Database{Dialect: "mysql", User: "root"}, true},
		{config.Database{Dialect: "postgres", User: "postgres", Password: "pw"}, false},
		{config.Database{Dialect: "postgres"}, false},
		{config.Database{Dialect: "sqlite", User: "root"}, false},
		{config.Database{Conn: "root@tcp(localhost:3306)/test", User: "root"}, false},
	}
	for i, tt := range tbl {
		assert.Equal(t, tt.exp, needsPassword(tt.inp), "case %d", i)
	}
}

func TestParse_SecretsKeyRequired(t *testing.T) {
	var opts options
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	_, err := p.ParseArgs([]string{"secrets", "get", "k1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--key")
}
