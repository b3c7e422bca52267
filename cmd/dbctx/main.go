package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/umputun/dbctx/pkg/config"
	"github.com/umputun/dbctx/pkg/db"
	"github.com/umputun/dbctx/pkg/runner"
	"github.com/umputun/dbctx/pkg/secrets"
)

type options struct {
	Config string `short:"f" long:"config" env:"DBCTX_CONFIG" description:"config file, yaml or toml"`

	// connection, overrides config file
	Conn     string `long:"conn" env:"DBCTX_CONN" description:"connection string, dialect detected"`
	Dialect  string `long:"dialect" env:"DBCTX_DIALECT" description:"database dialect" choice:"mysql" choice:"postgres" choice:"sqlite"`
	Host     string `long:"host" env:"DBCTX_HOST" description:"database host"`
	Port     int    `long:"port" env:"DBCTX_PORT" description:"database port"`
	User     string `short:"u" long:"user" env:"DBCTX_USER" description:"database user"`
	Password string `short:"p" long:"password" env:"DBCTX_PASSWORD" description:"database password"`
	Database string `long:"db" env:"DBCTX_DB" description:"database name or sqlite file"`

	SecretsProvider SecretsProvider `group:"secrets" namespace:"secrets" env-namespace:"DBCTX_SECRETS"`

	SelectCmd struct {
		First  bool      `long:"first" description:"return the first row only"`
		Format string    `long:"format" description:"output format" choice:"json" choice:"yaml" default:"json"`
		Query  queryArgs `positional-args:"yes" required:"yes"`
	} `command:"select" description:"run a query and print rows"`

	UpdateCmd struct {
		Query queryArgs `positional-args:"yes" required:"yes"`
	} `command:"update" description:"run a statement and print affected rows"`

	RunCmd struct {
		Concurrent int  `short:"c" long:"concurrent" description:"concurrent scripts" default:"1"`
		Dry        bool `long:"dry" description:"dry run, parse scripts only"`

		Files struct {
			Names []string `positional-arg-name:"file" description:"sql script files" required:"1"`
		} `positional-args:"yes" required:"yes"`
	} `command:"run" description:"run sql scripts, each in its own transaction"`

	SecretsCmd struct {
		Key string `short:"k" long:"key" env:"DBCTX_SECRETS_KEY" required:"true" description:"key to use for encryption/decryption"`

		SetCmd struct {
			PositionalArgs struct {
				Key   string `positional-arg-name:"key" description:"key to add"`
				Value string `positional-arg-name:"value" description:"value to add"`
			} `positional-args:"yes" required:"yes"`
		} `command:"set" description:"add a new secret"`

		GetCmd struct {
			PositionalArgs struct {
				Key string `positional-arg-name:"key" description:"key to retrieve"`
			} `positional-args:"yes" required:"yes"`
		} `command:"get" description:"retrieve a secret"`

		DeleteCmd struct {
			PositionalArgs struct {
				Key string `positional-arg-name:"key" description:"key to delete"`
			} `positional-args:"yes" required:"yes"`
		} `command:"del" description:"delete a secret"`

		ListCmd struct {
			PositionalArgs struct {
				KeyPrefix string `positional-arg-name:"key-prefix" default:"*" description:"key prefix to list"`
			} `positional-args:"yes"`
		} `command:"list" description:"list secrets keys"`
	} `command:"secrets" description:"manage secrets stored in the database"`

	Dbg bool `long:"dbg" description:"debug mode"`
}

type queryArgs struct {
	SQL  string   `positional-arg-name:"sql" description:"sql with ? placeholders"`
	Args []string `positional-arg-name:"args" description:"placeholder values"`
}

// SecretsProvider defines secrets provider options, for all supported providers
type SecretsProvider struct {
	Provider    string `long:"provider" env:"PROVIDER" description:"secret provider type" choice:"none" choice:"vault" choice:"aws" choice:"ansible" default:"none"`
	PasswordKey string `long:"password-key" env:"PASSWORD_KEY" description:"secret key of the database password"`

	Vault struct {
		Token string `long:"token" env:"TOKEN" description:"vault token"`
		Path  string `long:"path"  env:"PATH" description:"vault path"`
		URL   string `long:"url" env:"URL" description:"vault url"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Region    string `long:"region" env:"REGION" description:"aws region"`
		AccessKey string `long:"access-key" env:"ACCESS_KEY" description:"aws access key"`
		SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"aws secret key"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	Ansible struct {
		File   string `long:"file" env:"FILE" description:"ansible vault file"`
		Secret string `long:"secret" env:"SECRET" description:"ansible vault password"`
	} `group:"ansible" namespace:"ansible" env-namespace:"ANSIBLE"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	fmt.Fprintf(os.Stderr, "dbctx %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, opts, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		exitFunc(1)
	}
}

func run(ctx context.Context, p *flags.Parser, opts options, out io.Writer) error {
	dbConf, err := makeDatabase(opts)
	if err != nil {
		return fmt.Errorf("can't make database settings: %w", err)
	}

	sp, err := makeSecretsProvider(opts.SecretsProvider)
	if err != nil {
		return fmt.Errorf("can't make secrets provider: %w", err)
	}
	if err = dbConf.ResolvePassword(sp); err != nil {
		return err
	}
	if needsPassword(dbConf) && term.IsTerminal(int(os.Stdin.Fd())) {
		if dbConf.Password, err = promptPassword(os.Stderr, int(os.Stdin.Fd())); err != nil {
			return err
		}
	}

	engine, err := initEngine(dbConf)
	if err != nil {
		return err
	}
	defer func() {
		if e := engine.Close(); e != nil {
			log.Printf("[WARN] can't close engine: %v", e)
		}
	}()

	return execute(ctx, p.Active, opts, out)
}

// execute runs the active command on the process-wide engine. For nested commands, like "secrets get",
// the innermost active one is run.
func execute(ctx context.Context, cmd *flags.Command, opts options, out io.Writer) error {
	if cmd == nil {
		return errors.New("no command given")
	}
	for cmd.Active != nil {
		cmd = cmd.Active
	}
	st := time.Now()
	defer func() { log.Printf("[DEBUG] %s completed in %v", cmd.Name, time.Since(st).Truncate(time.Millisecond)) }()

	switch cmd.Name {
	case "select":
		return selectCmd(ctx, opts, out)
	case "update":
		n, err := db.Update(ctx, opts.UpdateCmd.Query.SQL, opts.UpdateCmd.Query.values()...)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "affected rows: %d\n", n)
		return nil
	case "run":
		r := runner.Process{Concurrency: opts.RunCmd.Concurrent, Dry: opts.RunCmd.Dry}
		resp, err := r.Run(ctx, opts.RunCmd.Files.Names...)
		fmt.Fprintf(out, "scripts: %d, statements: %d, affected rows: %d, failed: %d\n",
			resp.Scripts, resp.Statements, resp.Affected, len(resp.Failed))
		return err
	case "set", "get", "del", "list":
		return secretsCmd(ctx, cmd.Name, opts, out)
	}
	return fmt.Errorf("unknown command %s", cmd.Name)
}

func selectCmd(ctx context.Context, opts options, out io.Writer) error {
	res, err := db.SelectFirst(ctx, opts.SelectCmd.Query.SQL, opts.SelectCmd.First, opts.SelectCmd.Query.values()...)
	if err != nil {
		return err
	}

	var data []byte
	switch opts.SelectCmd.Format {
	case "yaml":
		data, err = yaml.Marshal(res)
	default:
		if data, err = json.MarshalIndent(res, "", "  "); err == nil {
			data = append(data, '\n')
		}
	}
	if err != nil {
		return fmt.Errorf("can't marshal result: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func secretsCmd(ctx context.Context, name string, opts options, out io.Writer) error {
	sc := opts.SecretsCmd
	sp, err := secrets.NewInternalProvider(ctx, []byte(sc.Key))
	if err != nil {
		return fmt.Errorf("can't create secrets provider: %w", err)
	}

	switch name {
	case "set":
		log.Printf("[INFO] set command, key=%s", sc.SetCmd.PositionalArgs.Key)
		if sc.SetCmd.PositionalArgs.Value == "" {
			return fmt.Errorf("can't set empty secret for key %q", sc.SetCmd.PositionalArgs.Key)
		}
		if err := sp.Set(ctx, sc.SetCmd.PositionalArgs.Key, sc.SetCmd.PositionalArgs.Value); err != nil {
			return fmt.Errorf("can't set secret for key %q: %w", sc.SetCmd.PositionalArgs.Key, err)
		}
	case "get":
		log.Printf("[INFO] get command, key=%s", sc.GetCmd.PositionalArgs.Key)
		val, err := sp.Get(ctx, sc.GetCmd.PositionalArgs.Key)
		if err != nil {
			return fmt.Errorf("can't get secret for key %q: %w", sc.GetCmd.PositionalArgs.Key, err)
		}
		fmt.Fprintln(out, val)
	case "del":
		log.Printf("[INFO] del command, key=%s", sc.DeleteCmd.PositionalArgs.Key)
		if err := sp.Delete(ctx, sc.DeleteCmd.PositionalArgs.Key); err != nil {
			return fmt.Errorf("can't delete secret: %w", err)
		}
	case "list":
		keys, err := sp.List(ctx, sc.ListCmd.PositionalArgs.KeyPrefix)
		if err != nil {
			return fmt.Errorf("can't list secrets: %w", err)
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
	}
	return nil
}

// makeDatabase loads the config file, if any, and applies cli overrides on top
func makeDatabase(opts options) (config.Database, error) {
	res := config.Database{}
	if opts.Config != "" {
		conf, err := config.Load(opts.Config)
		if err != nil {
			return config.Database{}, err
		}
		res = *conf
	}
	res = res.Merge(config.Database{Conn: opts.Conn, Dialect: opts.Dialect, Host: opts.Host, Port: opts.Port,
		User: opts.User, Password: opts.Password, Database: opts.Database,
		PasswordSecret: opts.SecretsProvider.PasswordKey})
	return res, nil
}

// initEngine sets up the process-wide engine from settings
func initEngine(dbConf config.Database) (*db.Engine, error) {
	params, conn, err := dbConf.Params()
	if err != nil {
		return nil, err
	}
	if conn != "" {
		return db.InitializeDSN(conn)
	}
	return db.Initialize(params)
}

// makeSecretsProvider creates secrets provider based on options
func makeSecretsProvider(sopts SecretsProvider) (config.SecretsProvider, error) {
	switch sopts.Provider {
	case "vault":
		return secrets.NewHashiVaultProvider(sopts.Vault.URL, sopts.Vault.Path, sopts.Vault.Token)
	case "aws":
		return secrets.NewAWSSecretsProvider(sopts.Aws.AccessKey, sopts.Aws.SecretKey, sopts.Aws.Region)
	case "ansible":
		return secrets.NewAnsibleVaultProvider(sopts.Ansible.File, sopts.Ansible.Secret)
	}
	return &secrets.NoOpProvider{}, nil
}

// needsPassword reports whether a networked database has a user but no password
func needsPassword(d config.Database) bool {
	if d.Conn != "" || d.Password != "" || d.User == "" {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(d.Dialect), "sqlite")
}

func promptPassword(w io.Writer, fd int) (string, error) {
	fmt.Fprint(w, "password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("can't read password: %w", err)
	}
	return string(pass), nil
}

func (q queryArgs) values() []any {
	res := make([]any, 0, len(q.Args))
	for _, a := range q.Args {
		res = append(res, a)
	}
	return res
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(os.Stderr), lgr.Msec, lgr.LevelBraces} // errors only
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
