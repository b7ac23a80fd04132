// Package prune evicts cached entries by size, age and hit count.
//
// A Pruner works only through the driver contract, so it runs against any
// driver and may run in a different process from the cache serving reads.
// Entries are removed with driver.Driver.Delete; a reader holding an entry
// open keeps streaming it.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/imagecache/driver"
)

const defaultConcurrency = 4

// Report summarizes a prune pass.
type Report struct {
	// Clean is the result of the driver's cleanup, if it supports one.
	Clean driver.CleanReport

	// Scanned is the number of cached entries enumerated.
	Scanned int

	// Bytes is the total size of the scanned entries.
	Bytes int64

	// Deleted is the number of entries evicted.
	Deleted int

	// Freed is the total size of the evicted entries.
	Freed int64
}

// Pruner applies eviction policies to a driver.
type Pruner struct {
	drv         driver.Driver
	policies    []Policy
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithPolicy adds eviction policies. An entry is evicted if any policy
// selects it. Policies run in order and each sees only the entries earlier
// policies kept, so MaxSize should come last.
func WithPolicy(p ...Policy) Option {
	return func(pr *Pruner) {
		pr.policies = append(pr.policies, p...)
	}
}

// WithConcurrency bounds the number of concurrent deletions.
// Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(pr *Pruner) {
		if n > 0 {
			pr.concurrency = n
		}
	}
}

// WithLogger sets the logger for prune passes.
func WithLogger(logger *slog.Logger) Option {
	return func(pr *Pruner) {
		pr.logger = logger
	}
}

// New creates a pruner for drv. Without policies a pass only runs the
// driver's cleanup.
func New(drv driver.Driver, opts ...Option) *Pruner {
	p := &Pruner{
		drv:         drv,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prune runs one pass: driver cleanup, enumeration, selection and deletion.
func (p *Pruner) Prune(ctx context.Context) (Report, error) {
	var report Report

	if c, ok := p.drv.(driver.Cleaner); ok {
		cr, err := c.Clean(ctx)
		if err != nil {
			return report, fmt.Errorf("clean: %w", err)
		}
		report.Clean = cr
	}

	var entries []driver.Entry
	for e, err := range p.drv.List(ctx) {
		if err != nil {
			return report, fmt.Errorf("list entries: %w", err)
		}
		entries = append(entries, e)
		report.Bytes += e.Size
	}
	report.Scanned = len(entries)

	victims := p.selectVictims(entries)
	if len(victims) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, e := range victims {
		g.Go(func() error {
			// Delete succeeds for entries that are already gone.
			if err := p.drv.Delete(gctx, e.ID); err != nil {
				return fmt.Errorf("delete %s: %w", e.ID, err)
			}
			mu.Lock()
			report.Deleted++
			report.Freed += e.Size
			mu.Unlock()
			p.log().Debug("evicted cache entry", "id", e.ID, "bytes", e.Size,
				"hits", e.Hits, "last_accessed", e.LastAccessedAt)
			return nil
		})
	}
	err := g.Wait()
	return report, err
}

// selectVictims applies every policy and returns the union of their
// selections in selection order.
func (p *Pruner) selectVictims(entries []driver.Entry) []driver.Entry {
	now := p.now()
	byID := make(map[string]driver.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	var victims []driver.Entry
	remaining := entries
	for _, policy := range p.policies {
		if len(remaining) == 0 {
			break
		}
		picked := make(map[string]bool)
		for _, id := range policy.Select(now, remaining) {
			if e, ok := byID[id]; ok && !picked[id] {
				picked[id] = true
				victims = append(victims, e)
			}
		}
		if len(picked) == 0 {
			continue
		}
		kept := make([]driver.Entry, 0, len(remaining)-len(picked))
		for _, e := range remaining {
			if !picked[e.ID] {
				kept = append(kept, e)
			}
		}
		remaining = kept
	}
	return victims
}

// Run prunes every interval until ctx is done. Failed passes are logged and
// retried on the next tick.
func (p *Pruner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		report, err := p.Prune(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log().Warn("cache prune failed", "driver", p.drv.Name(), "err", err)
			continue
		}
		p.log().Info("pruned cache",
			"driver", p.drv.Name(),
			"scanned", report.Scanned,
			"bytes", report.Bytes,
			"deleted", report.Deleted,
			"freed", report.Freed,
			"staging_reclaimed", report.Clean.Staging,
			"invalid_reclaimed", report.Clean.Invalid,
			"elapsed", time.Since(start))
	}
}

func (p *Pruner) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}
