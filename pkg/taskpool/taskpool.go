// Package taskpool bounds how many tasks the control plane runs
// concurrently, per the concurrency model's "task pool" language: a task
// never blocks on another task, only on network I/O within itself.
// Mock-server calls do not run on a pool.
package taskpool

import (
	"context"
	"fmt"

	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"golang.org/x/sync/errgroup"
)

// Pool runs tasks with bounded concurrency and panic-to-InternalError
// recovery at each task's boundary, so one task's panic never takes down
// the owning server.
type Pool struct {
	limit int
}

// New builds a Pool that runs at most limit tasks concurrently. A
// non-positive limit means unbounded.
func New(limit int) *Pool {
	return &Pool{limit: limit}
}

// Go runs fn as one bounded task under ctx, returning its error (or the
// InternalError wrapping a recovered panic). This is the single-task
// entry point control-plane request handlers use.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	g, gctx := p.group(ctx)
	g.Go(func() error {
		return runRecovered(gctx, fn)
	})
	return g.Wait()
}

// Run fans fns out across the pool and waits for all of them, returning
// the first error encountered (context is cancelled for the rest, per
// errgroup.WithContext semantics).
func (p *Pool) Run(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := p.group(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			return runRecovered(gctx, fn)
		})
	}
	return g.Wait()
}

func (p *Pool) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	return g, gctx
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = plugerrors.Recover(fmt.Errorf("task panic: %v", r))
		}
	}()
	return fn(ctx)
}
