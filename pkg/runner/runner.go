// Package runner executes sql script files. Every script runs as a separate unit of work in its own
// transaction, scripts are processed in parallel with limited concurrency.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/stringutils"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/dbctx/pkg/db"
)

// Process runs scripts on the process-wide db engine
type Process struct {
	Concurrency int
	Dry         bool // parse scripts, but don't execute them
}

// Script is a named list of statements
type Script struct {
	Name       string
	Statements []string
}

// ProcResp holds the information about processed scripts
type ProcResp struct {
	Scripts    int
	Statements int   // statements executed by committed scripts
	Affected   int64 // rows affected by committed scripts
	Failed     []string
}

// Load reads the script file and splits it into statements
func Load(fname string) (Script, error) {
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return Script{}, fmt.Errorf("can't read script %s: %w", fname, err)
	}
	return Script{Name: fname, Statements: Split(string(data))}, nil
}

// Run loads and executes script files. A failed script is rolled back, the rest are not affected.
// Returns the error of every failed script merged.
func (p *Process) Run(ctx context.Context, files ...string) (ProcResp, error) {
	if uniq := stringutils.DeDup(files); len(uniq) != len(files) {
		log.Printf("[WARN] duplicate script files ignored, %d of %d left", len(uniq), len(files))
		files = uniq
	}
	scripts := make([]Script, 0, len(files))
	for _, f := range files {
		s, err := Load(f)
		if err != nil {
			return ProcResp{}, err
		}
		scripts = append(scripts, s)
	}
	return p.Exec(ctx, scripts...)
}

// Exec executes scripts in parallel, up to Concurrency at a time.
func (p *Process) Exec(ctx context.Context, scripts ...Script) (ProcResp, error) {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var stmts, affected int64
	var errs *multierror.Error
	failed := []string{}
	started := make([]bool, len(scripts))
	lock := sync.Mutex{}

	wg := syncs.NewErrSizedGroup(concurrency, syncs.Context(ctx), syncs.Preemptive)
	for i, s := range scripts {
		wg.Go(func() error {
			started[i] = true
			n, rows, err := p.execScript(db.Detach(ctx), s)
			if err != nil {
				lock.Lock()
				errs = multierror.Append(errs, err)
				failed = append(failed, s.Name)
				lock.Unlock()
				return err
			}
			atomic.AddInt64(&stmts, int64(n))
			atomic.AddInt64(&affected, rows)
			return nil
		})
	}
	waitErr := wg.Wait() // script errors are collected in errs, with script names

	// scripts skipped by the group after cancellation
	for i, s := range scripts {
		if started[i] {
			continue
		}
		cause := ctx.Err()
		if cause == nil {
			cause = waitErr
		}
		if cause == nil {
			cause = errors.New("not started")
		}
		errs = multierror.Append(errs, fmt.Errorf("script %s skipped: %w", s.Name, cause))
		failed = append(failed, s.Name)
	}

	return ProcResp{Scripts: len(scripts), Statements: int(stmts), Affected: affected, Failed: failed},
		errs.ErrorOrNil()
}

// execScript runs all statements of the script in a transaction.
// Returns the number of executed statements and affected rows.
func (p *Process) execScript(ctx context.Context, s Script) (count int, affected int64, err error) {
	since := func(st time.Time) time.Duration { return time.Since(st).Truncate(time.Millisecond) }
	st := time.Now()
	if p.Dry {
		log.Printf("[INFO] dry run, script %s with %d statements skipped", s.Name, len(s.Statements))
		return 0, 0, nil
	}

	err = db.WithTx(ctx, func(ctx context.Context) error {
		for i, stmt := range s.Statements {
			n, e := db.Update(ctx, stmt)
			if e != nil {
				return fmt.Errorf("statement %d: %w", i+1, e)
			}
			count++
			affected += n
		}
		return nil
	})
	if err != nil {
		log.Printf("[WARN] script %s failed and rolled back, %v", s.Name, since(st))
		return 0, 0, fmt.Errorf("script %s: %w", s.Name, err)
	}
	log.Printf("[INFO] script %s completed, %d statements, %d rows affected, %v", s.Name, count, affected, since(st))
	return count, affected, nil
}

// Split breaks sql text into statements on ";". Semicolons inside quotes and comments don't split,
// "--" comments are dropped, empty statements skipped.
func Split(text string) []string {
	res := []string{}
	var sb strings.Builder
	flush := func() {
		if stmt := strings.TrimSpace(sb.String()); stmt != "" {
			res = append(res, stmt)
		}
		sb.Reset()
	}

	var quote byte
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
		case ch == '-' && i+1 < len(text) && text[i+1] == '-':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			sb.WriteByte('\n')
			continue
		case ch == ';':
			flush()
			continue
		}
		sb.WriteByte(ch)
	}
	flush()
	return res
}
