package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pyropy/rclonepool/core/model"
	"github.com/pyropy/rclonepool/core/transport"
)

// VerifyMode selects how hard verify looks at each chunk.
type VerifyMode int

const (
	// VerifyQuick checks presence (and size where the remote reports it).
	VerifyQuick VerifyMode = iota
	// VerifyFull additionally fetches every chunk and compares lengths.
	VerifyFull
)

// VerifyResult reports the damaged chunks of one file.
type VerifyResult struct {
	FilePath  string `json:"file_path"`
	Total     int    `json:"total"`
	Verified  int    `json:"verified"`
	Missing   []int  `json:"missing"`
	WrongSize []int  `json:"wrong_size"`
}

// OK reports whether every chunk checked out.
func (r VerifyResult) OK() bool {
	return len(r.Missing) == 0 && len(r.WrongSize) == 0
}

// Verify checks the chunks of one file against its manifest.
func (p *Pool) Verify(ctx context.Context, filePath string, mode VerifyMode) (VerifyResult, error) {
	m, err := p.Stat(ctx, filePath)
	if err != nil {
		return VerifyResult{FilePath: filePath}, err
	}

	result := VerifyResult{FilePath: m.FilePath, Total: m.ChunkCount}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallelWorkers)

	for _, c := range m.Chunks {
		c := c
		g.Go(func() error {
			missing, wrongSize := p.checkChunk(gctx, c, mode)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case missing:
				result.Missing = append(result.Missing, c.Index)
			case wrongSize:
				result.WrongSize = append(result.WrongSize, c.Index)
			default:
				result.Verified++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(result.Missing)
	sort.Ints(result.WrongSize)

	p.log.Infow("verify", "path", m.FilePath, "total", result.Total,
		"verified", result.Verified, "missing", len(result.Missing), "wrongSize", len(result.WrongSize))
	return result, nil
}

func (p *Pool) checkChunk(ctx context.Context, c model.ChunkDescriptor, mode VerifyMode) (missing, wrongSize bool) {
	size, err := p.tr.Stat(ctx, c.Remote, c.Path)
	if err != nil {
		return true, false
	}
	if size >= 0 && size != c.Size {
		return false, true
	}

	if mode == VerifyFull {
		data, err := p.tr.GetBytes(ctx, c.Remote, c.Path)
		if err != nil {
			return true, false
		}
		if int64(len(data)) != c.Size {
			return false, true
		}
	}

	return false, false
}

// VerifyAll verifies every file in the pool.
func (p *Pool) VerifyAll(ctx context.Context, mode VerifyMode) ([]VerifyResult, error) {
	manifests, err := p.store.List(ctx, "/", true)
	if err != nil {
		return nil, err
	}

	results := make([]VerifyResult, 0, len(manifests))
	for _, m := range manifests {
		r, err := p.Verify(ctx, m.FilePath, mode)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Repair re-uploads missing or mis-sized chunks from a local copy of the
// file, moving each onto a freshly balanced remote and rewriting the
// manifest everywhere. If no remote acks the rewritten manifest the
// in-memory state is reverted.
func (p *Pool) Repair(ctx context.Context, filePath, localSource string) (int, error) {
	filePath = model.NormalizePath(filePath)
	unlock := p.lockPath(filePath)
	defer unlock()

	m, err := p.Stat(ctx, filePath)
	if err != nil {
		return 0, err
	}

	result, err := p.Verify(ctx, filePath, VerifyQuick)
	if err != nil {
		return 0, err
	}
	if result.OK() {
		p.log.Infow("repair: nothing to do", "path", filePath)
		return 0, nil
	}

	src, err := os.Open(localSource)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	damaged := append(append([]int(nil), result.Missing...), result.WrongSize...)
	sort.Ints(damaged)

	repaired := *m
	repaired.Chunks = append([]model.ChunkDescriptor(nil), m.Chunks...)

	count := 0
	for _, index := range damaged {
		if index < 0 || index >= len(repaired.Chunks) {
			continue
		}
		c := repaired.Chunks[index]

		data := make([]byte, c.Size)
		if _, err := src.ReadAt(data, c.Offset); err != nil {
			return count, fmt.Errorf("read %s at %d: %w", localSource, c.Offset, err)
		}

		remote, err := p.bal.Pick(c.Size)
		if err != nil {
			return count, fmt.Errorf("repair chunk %d: %w", index, err)
		}

		if err := p.tr.PutBytes(ctx, data, remote, c.Path); err != nil {
			p.bal.Record(remote, -c.Size)
			return count, fmt.Errorf("repair chunk %d to %s: %w", index, remote, err)
		}

		// Drop the stale copy if it moved remotes and still lingers.
		if remote != c.Remote {
			if err := p.tr.Delete(ctx, c.Remote, c.Path); err != nil && !errors.Is(err, transport.ErrNotFound) {
				p.log.Debugw("stale chunk copy not removed", "remote", c.Remote, "path", c.Path, "err", err)
			}
		}

		repaired.Chunks[index].Remote = remote
		count++
		p.log.Infow("chunk repaired", "path", filePath, "index", index, "remote", remote)
	}

	if _, err := p.store.Save(ctx, &repaired); err != nil {
		p.store.Invalidate(ctx, filePath)
		return count, err
	}

	return count, nil
}

// Orphan is a chunk object no manifest references.
type Orphan struct {
	Remote string `json:"remote"`
	Path   string `json:"path"`
}

// Orphans scans every remote's data prefix for chunk objects that no
// manifest references.
func (p *Pool) Orphans(ctx context.Context) ([]Orphan, error) {
	manifests, err := p.store.List(ctx, "/", true)
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{})
	for _, m := range manifests {
		for _, c := range m.Chunks {
			referenced[c.Remote+c.Path] = struct{}{}
		}
	}

	var orphans []Orphan
	for _, remote := range p.cfg.ActiveRemotes() {
		names, err := p.tr.ListFiles(ctx, remote, p.cfg.DataPrefix)
		if err != nil {
			p.log.Warnw("orphan scan failed", "remote", remote, "err", err)
			continue
		}
		for _, name := range names {
			path := p.cfg.DataPrefix + "/" + name
			if _, ok := referenced[remote+path]; !ok {
				orphans = append(orphans, Orphan{Remote: remote, Path: path})
			}
		}
	}

	p.log.Infow("orphan scan complete", "referenced", len(referenced), "orphans", len(orphans))
	return orphans, nil
}

// DeleteOrphans removes the given orphaned chunks, returning how many were
// deleted.
func (p *Pool) DeleteOrphans(ctx context.Context, orphans []Orphan) (int, error) {
	deleted := 0
	var errs error
	for _, o := range orphans {
		if err := p.tr.Delete(ctx, o.Remote, o.Path); err != nil && !errors.Is(err, transport.ErrNotFound) {
			p.log.Warnw("orphan delete failed", "remote", o.Remote, "path", o.Path, "err", err)
			errs = err
			continue
		}
		deleted++
	}
	return deleted, errs
}
