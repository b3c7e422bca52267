// Package config loads database connection settings from yaml or toml files and merges them with cli overrides.
package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/dbctx/pkg/db"
)

// SecretsProvider defines interface for secrets providers
type SecretsProvider interface {
	Get(key string) (string, error)
}

// Database defines connection settings. Either Conn or the individual fields are used.
type Database struct {
	Conn           string            `yaml:"conn" toml:"conn"`                       // full connection string, dialect detected
	Dialect        string            `yaml:"dialect" toml:"dialect"`                 // mysql, postgres or sqlite
	Host           string            `yaml:"host" toml:"host"`                       // database host
	Port           int               `yaml:"port" toml:"port"`                       // database port
	User           string            `yaml:"user" toml:"user"`                       // database user
	Password       string            `yaml:"password" toml:"password"`               // database password
	PasswordSecret string            `yaml:"password_secret" toml:"password_secret"` // secret key of the password
	Database       string            `yaml:"database" toml:"database"`               // database name or sqlite file
	Charset        string            `yaml:"charset" toml:"charset"`                 // connection charset
	Collation      string            `yaml:"collation" toml:"collation"`             // connection collation, mysql only
	SSLMode        string            `yaml:"sslmode" toml:"sslmode"`                 // ssl mode, postgres only
	Options        map[string]string `yaml:"options" toml:"options"`                 // extra driver options
}

// Load reads settings from the file. Format is guessed by extension, yaml is the default.
func Load(fname string) (*Database, error) {
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}

	res := &Database{}
	switch {
	case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml") || !strings.Contains(fname, "."):
		yamlDecoder := yaml.NewDecoder(bytes.NewReader(data))
		yamlDecoder.KnownFields(true) // strict mode, fail on unknown fields
		if err = yamlDecoder.Decode(res); err != nil {
			return nil, fmt.Errorf("can't unmarshal yaml config %s: %w", fname, err)
		}
	case strings.HasSuffix(fname, ".toml"):
		if err = toml.Unmarshal(data, res); err != nil {
			return nil, fmt.Errorf("can't unmarshal toml config %s: %w", fname, err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %s", fname)
	}
	log.Printf("[DEBUG] config loaded from %s", fname)
	return res, nil
}

// Merge returns a copy of d with non-empty fields of o applied on top.
func (d Database) Merge(o Database) Database {
	res := d
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&res.Conn, o.Conn)
	setStr(&res.Dialect, o.Dialect)
	setStr(&res.Host, o.Host)
	setStr(&res.User, o.User)
	setStr(&res.Password, o.Password)
	setStr(&res.PasswordSecret, o.PasswordSecret)
	setStr(&res.Database, o.Database)
	setStr(&res.Charset, o.Charset)
	setStr(&res.Collation, o.Collation)
	setStr(&res.SSLMode, o.SSLMode)
	if o.Port != 0 {
		res.Port = o.Port
	}
	if len(o.Options) > 0 {
		opts := make(map[string]string, len(res.Options)+len(o.Options))
		for k, v := range res.Options {
			opts[k] = v
		}
		for k, v := range o.Options {
			opts[k] = v
		}
		res.Options = opts
	}
	return res
}

// ResolvePassword sets Password from the secrets provider if PasswordSecret is defined and no password is set.
func (d *Database) ResolvePassword(sp SecretsProvider) error {
	if d.Password != "" || d.PasswordSecret == "" {
		return nil
	}
	if sp == nil {
		return fmt.Errorf("password secret %q is set, but no secrets provider defined", d.PasswordSecret)
	}
	pass, err := sp.Get(d.PasswordSecret)
	if err != nil {
		return fmt.Errorf("can't get password secret %q: %w", d.PasswordSecret, err)
	}
	d.Password = pass
	log.Printf("[DEBUG] password loaded from secret %q", d.PasswordSecret)
	return nil
}

// Params makes db params from settings. Conn, if set, takes priority and is returned as is.
func (d Database) Params() (params db.Params, conn string, err error) {
	if d.Conn != "" {
		return db.Params{}, d.Conn, nil
	}
	dialect := db.Dialect(strings.ToLower(d.Dialect))
	switch dialect {
	case db.MySQL, db.Postgres, db.SQLite:
	case "postgresql", "pg":
		dialect = db.Postgres
	case "sqlite3":
		dialect = db.SQLite
	case "":
		return db.Params{}, "", fmt.Errorf("neither connection string nor dialect defined")
	default:
		return db.Params{}, "", fmt.Errorf("unsupported dialect %q", d.Dialect)
	}
	return db.Params{
		Dialect:   dialect,
		User:      d.User,
		Password:  d.Password,
		Database:  d.Database,
		Host:      d.Host,
		Port:      d.Port,
		Charset:   d.Charset,
		Collation: d.Collation,
		SSLMode:   d.SSLMode,
		Options:   d.Options,
	}, "", nil
}
