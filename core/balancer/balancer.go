// Package balancer decides which remote receives the next chunk.
package balancer

import (
	"context"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/transport"
)

var (
	ErrNoEligibleRemote = errors.New("no remote can take the chunk")
	ErrUnknownRemote    = errors.New("remote not configured")
)

// Usage is a snapshot of one remote's bookkeeping.
type Usage struct {
	Used     int64
	Free     int64
	Total    int64
	Eligible bool
}

type entry struct {
	used     int64
	free     int64
	total    int64
	eligible bool
}

// Balancer holds the soft-state usage table. The table is seeded from the
// transport's about reports and updated optimistically as chunks are placed;
// Pick reserves the requested size under the same lock so concurrent uploads
// never double-book space.
type Balancer struct {
	mu       sync.Mutex
	remotes  []string
	usage    map[string]*entry
	strategy string
	cursor   int

	tr  transport.Transport
	log *zap.SugaredLogger
}

func New(cfg config.Config, tr transport.Transport, log *zap.SugaredLogger) *Balancer {
	remotes := cfg.ActiveRemotes()
	usage := make(map[string]*entry, len(remotes))
	for _, r := range remotes {
		usage[r] = &entry{used: math.MaxInt64, eligible: false}
	}

	return &Balancer{
		remotes:  remotes,
		usage:    usage,
		strategy: cfg.BalancingStrategy,
		tr:       tr,
		log:      log,
	}
}

// Seed queries every remote's space report. A remote whose about call fails
// is marked ineligible until the next seed.
func (b *Balancer) Seed(ctx context.Context) {
	for _, remote := range b.remotes {
		space, err := b.tr.About(ctx, remote)

		b.mu.Lock()
		e := b.usage[remote]
		if err != nil {
			e.used = math.MaxInt64
			e.free = 0
			e.total = 0
			e.eligible = false
			b.mu.Unlock()
			b.log.Warnw("seed failed, remote ineligible", "remote", remote, "err", err)
			continue
		}
		e.used = space.Used
		e.free = space.Free
		e.total = space.Total
		e.eligible = true
		b.mu.Unlock()

		b.log.Infow("seeded remote", "remote", remote, "used", space.Used, "free", space.Free)
	}
}

// Pick selects the target remote for a chunk of the given size and reserves
// the space in the table. Callers undo a failed placement with
// Record(remote, -size).
func (b *Balancer) Pick(size int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var remote string
	switch b.strategy {
	case config.StrategyRoundRobinLeastUsed:
		remote = b.pickRoundRobin(size)
	default:
		remote = b.pickLeastUsed(size)
	}

	if remote == "" {
		return "", ErrNoEligibleRemote
	}

	b.reserve(remote, size)
	return remote, nil
}

// pickLeastUsed returns the eligible remote with minimum used bytes; ties
// break toward the earlier entry in the configured order.
func (b *Balancer) pickLeastUsed(size int64) string {
	best := ""
	var bestUsed int64

	for _, remote := range b.remotes {
		e := b.usage[remote]
		if !e.eligible || e.free < size {
			continue
		}
		if best == "" || e.used < bestUsed {
			best = remote
			bestUsed = e.used
		}
	}

	return best
}

// pickRoundRobin scans one full rotation starting at the cursor, skipping
// full remotes, and prefers the lowest used bytes among the eligible ones;
// ties break toward the remote closest to the cursor. The cursor advances
// by one either way.
func (b *Balancer) pickRoundRobin(size int64) string {
	n := len(b.remotes)
	best := ""
	var bestUsed int64

	for i := 0; i < n; i++ {
		remote := b.remotes[(b.cursor+i)%n]
		e := b.usage[remote]
		if !e.eligible || e.free < size {
			continue
		}
		if best == "" || e.used < bestUsed {
			best = remote
			bestUsed = e.used
		}
	}

	b.cursor = (b.cursor + 1) % n
	return best
}

func (b *Balancer) reserve(remote string, size int64) {
	e := b.usage[remote]
	e.used += size
	if e.free > size {
		e.free -= size
	} else {
		e.free = 0
	}
}

// Record adjusts a remote's used bytes by delta. Negative deltas roll back a
// reservation or reflect deleted chunks.
func (b *Balancer) Record(remote string, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.usage[remote]
	if !ok {
		return
	}

	e.used += delta
	if e.used < 0 {
		e.used = 0
	}
	e.free -= delta
	if e.free < 0 {
		e.free = 0
	}
	if e.total > 0 && e.free > e.total {
		e.free = e.total
	}
}

// Report returns a copy of the usage table.
func (b *Balancer) Report() map[string]Usage {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := make(map[string]Usage, len(b.remotes))
	for _, remote := range b.remotes {
		e := b.usage[remote]
		report[remote] = Usage{Used: e.used, Free: e.free, Total: e.total, Eligible: e.eligible}
	}
	return report
}

// Remotes returns the configured remote order the balancer works with.
func (b *Balancer) Remotes() []string {
	return b.remotes
}
