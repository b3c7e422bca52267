package db

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect defines backend flavor, selects the driver and parameter marker.
type Dialect string

// supported dialects
const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() (string, error) {
	switch d {
	case MySQL:
		return "mysql", nil
	case Postgres:
		return "postgres", nil
	case SQLite:
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported dialect %q", d)
}

func (d Dialect) defaultPort() int {
	switch d {
	case MySQL:
		return 3306
	case Postgres:
		return 5432
	}
	return 0
}

// DetectDialect guesses the dialect from a connection string.
func DetectDialect(conn string) (Dialect, error) {
	switch {
	case strings.HasPrefix(conn, "postgres://") || strings.HasPrefix(conn, "postgresql://"):
		return Postgres, nil
	case strings.Contains(conn, "@tcp("):
		return MySQL, nil
	case strings.HasPrefix(conn, "file:") || strings.HasSuffix(conn, ".sqlite") || strings.HasSuffix(conn, ".db") ||
		conn == ":memory:":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database type in connection string")
}

// Translate replaces portable "?" placeholders with the dialect's positional marker.
// Question marks inside quoted literals, identifiers and comments are left alone.
// Backslash escapes are honored in postgres E'...' strings.
func (d Dialect) Translate(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	var quote byte
	escapes := false // inside E'...'
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if escapes && ch == '\\' && i+1 < len(query) {
				sb.WriteByte(ch)
				i++
				ch = query[i]
				break
			}
			if ch == quote {
				quote, escapes = 0, false
			}
		case ch == '-' && i+1 < len(query) && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = len(query) - i
			}
			sb.WriteString(query[i : i+end])
			i += end - 1
			continue
		case ch == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				end = len(query) - i - 2
			} else {
				end += 2
			}
			sb.WriteString(query[i : i+2+end])
			i += 2 + end - 1
			continue
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
			escapes = ch == '\'' && i > 0 && (query[i-1] == 'E' || query[i-1] == 'e') &&
				(i < 2 || !isIdentChar(query[i-2]))
		case ch == '?':
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}

func isIdentChar(ch byte) bool {
	return ch == '_' || ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}

// Params defines connection parameters. Zero values are replaced by defaults.
type Params struct {
	Dialect   Dialect
	User      string
	Password  string
	Database  string // database name, file path for sqlite
	Host      string
	Port      int
	Charset   string
	Collation string
	SSLMode   string            // postgres only
	Options   map[string]string // extra driver options, passed as is
}

// withDefaults returns a copy of params with defaults applied.
func (p Params) withDefaults() Params {
	res := p
	if res.Host == "" {
		res.Host = "127.0.0.1"
	}
	if res.Port == 0 {
		res.Port = res.Dialect.defaultPort()
	}
	if res.Charset == "" {
		res.Charset = "utf8"
	}
	if res.Collation == "" {
		res.Collation = "utf8_general_ci"
	}
	if res.SSLMode == "" {
		res.SSLMode = "disable"
	}
	return res
}

// DSN makes the driver connection string.
func (p Params) DSN() (string, error) {
	p = p.withDefaults()
	switch p.Dialect {
	case MySQL:
		cfg := mysql.NewConfig()
		cfg.User = p.User
		cfg.Passwd = p.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
		cfg.DBName = p.Database
		cfg.Collation = p.Collation
		cfg.ParseTime = true
		cfg.Params = map[string]string{"charset": p.Charset}
		for k, v := range p.Options {
			cfg.Params[k] = v
		}
		return cfg.FormatDSN(), nil
	case Postgres:
		q := url.Values{}
		q.Set("sslmode", p.SSLMode)
		q.Set("client_encoding", "UTF8")
		for k, v := range p.Options {
			q.Set(k, v)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(p.User, p.Password),
			Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
			Path:     "/" + p.Database,
			RawQuery: q.Encode(),
		}
		return u.String(), nil
	case SQLite:
		if p.Database == "" {
			return "", fmt.Errorf("sqlite database file is not set")
		}
		q := url.Values{}
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_txlock", "immediate") // begin takes the write lock
		for k, v := range p.Options {
			q.Add(k, v)
		}
		return p.Database + "?" + q.Encode(), nil
	}
	return "", fmt.Errorf("unsupported dialect %q", p.Dialect)
}

var (
	urlPasswdRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@]*:)([^@]*)@`) // scheme://user:pass@
	dsnPasswdRe = regexp.MustCompile(`^([^:/@(]*:)([^@]*)@`)                          // user:pass@tcp(...)
)

// maskDSN hides the password part of a connection string for logging.
func maskDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		return urlPasswdRe.ReplaceAllString(dsn, "${1}****@")
	}
	return dsnPasswdRe.ReplaceAllString(dsn, "${1}****@")
}
