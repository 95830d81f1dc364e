// Package pool orchestrates chunking, balancing, manifests and transport
// into the logical storage pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/rclonepool/core/balancer"
	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/manifest"
	"github.com/pyropy/rclonepool/core/model"
	"github.com/pyropy/rclonepool/core/transport"
	concurrentMap "github.com/pyropy/rclonepool/lib/concurrent_map"
	"github.com/pyropy/rclonepool/lib/utils"
)

var (
	ErrNotFound       = errors.New("file not found in pool")
	ErrAlreadyExists  = errors.New("file already exists")
	ErrChunkCollision = errors.New("chunk name collision with another file")
	ErrChunkMissing   = errors.New("chunk missing from remote")
	ErrUploadFailed   = errors.New("upload failed")
)

// FileSummary is one row of a directory listing.
type FileSummary struct {
	FilePath   string   `json:"file_path"`
	FileName   string   `json:"file_name"`
	FileSize   int64    `json:"file_size"`
	ChunkCount int      `json:"chunk_count"`
	Remotes    []string `json:"remotes"`
	CreatedAt  float64  `json:"created_at"`
}

// Pool composes the storage pool. Writes to the same virtual path are
// serialized through a per-path mutex; reads run freely.
type Pool struct {
	cfg   config.Config
	tr    transport.Transport
	store *manifest.Store
	bal   *balancer.Balancer
	log   *zap.SugaredLogger

	pathLocks concurrentMap.Map[string, *sync.Mutex]
}

func New(cfg config.Config, tr transport.Transport, store *manifest.Store, bal *balancer.Balancer, log *zap.SugaredLogger) *Pool {
	return &Pool{
		cfg:       cfg,
		tr:        tr,
		store:     store,
		bal:       bal,
		log:       log,
		pathLocks: concurrentMap.NewMap[string, *sync.Mutex](),
	}
}

// Manifests exposes the manifest store for read-side collaborators.
func (p *Pool) Manifests() *manifest.Store {
	return p.store
}

// Balancer exposes the usage table.
func (p *Pool) Balancer() *balancer.Balancer {
	return p.bal
}

// Config returns the pool's configuration value.
func (p *Pool) Config() config.Config {
	return p.cfg
}

// lockPath takes the write lock for a virtual path.
func (p *Pool) lockPath(filePath string) func() {
	mu, _ := p.pathLocks.GetOrSet(filePath, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Stat loads the manifest for a file path. Chunk placements on remotes that
// are no longer configured are surfaced here, at use time.
func (p *Pool) Stat(ctx context.Context, filePath string) (*model.Manifest, error) {
	m, err := p.store.Load(ctx, filePath)
	if err != nil {
		if errors.Is(err, manifest.ErrManifestNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return nil, err
	}

	for _, remote := range m.Remotes() {
		if !utils.Contains(p.cfg.ActiveRemotes(), remote) {
			p.log.Warnw("manifest references unconfigured remote", "path", m.FilePath, "remote", remote)
		}
	}

	return m, nil
}

// IsDir reports whether the path names a virtual directory, i.e. some file
// lives at or below it. The root is always a directory.
func (p *Pool) IsDir(ctx context.Context, dir string) (bool, error) {
	dir = model.NormalizePath(dir)
	if dir == "/" {
		return true, nil
	}

	manifests, err := p.store.List(ctx, dir, true)
	if err != nil {
		return false, err
	}
	return len(manifests) > 0, nil
}

// List returns summaries for the files directly inside dir.
func (p *Pool) List(ctx context.Context, dir string) ([]FileSummary, error) {
	manifests, err := p.store.List(ctx, dir, false)
	if err != nil {
		return nil, err
	}

	summaries := make([]FileSummary, 0, len(manifests))
	for _, m := range manifests {
		summaries = append(summaries, FileSummary{
			FilePath:   m.FilePath,
			FileName:   m.FileName,
			FileSize:   m.FileSize,
			ChunkCount: m.ChunkCount,
			Remotes:    m.Remotes(),
			CreatedAt:  m.CreatedAt,
		})
	}
	return summaries, nil
}

// Dirs returns the immediate virtual subdirectories of dir.
func (p *Pool) Dirs(ctx context.Context, dir string) ([]string, error) {
	return p.store.Dirs(ctx, dir)
}

// Download fetches every chunk in index order and writes it to w. Partial
// output may have been written when an error is returned.
func (p *Pool) Download(ctx context.Context, filePath string, w io.Writer) error {
	m, err := p.Stat(ctx, filePath)
	if err != nil {
		return err
	}

	p.log.Infow("download", "path", m.FilePath, "size", m.FileSize, "chunks", m.ChunkCount)

	for _, c := range m.Chunks {
		data, err := p.tr.GetBytes(ctx, c.Remote, c.Path)
		if err != nil {
			if errors.Is(err, transport.ErrNotFound) {
				return fmt.Errorf("%w: chunk %d of %s on %s", ErrChunkMissing, c.Index, m.FilePath, c.Remote)
			}
			return fmt.Errorf("chunk %d of %s: %w", c.Index, m.FilePath, err)
		}
		if int64(len(data)) != c.Size {
			return fmt.Errorf("%w: chunk %d of %s is %d bytes, manifest says %d",
				ErrChunkMissing, c.Index, m.FilePath, len(data), c.Size)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}

	return nil
}

// DownloadRange returns length bytes starting at offset, assembled from
// partial chunk fetches. Ranges starting beyond the end yield empty bytes;
// ranges running past the end are clamped. Chunk fetches run concurrently,
// bounded by max_parallel_workers; assembly is in byte order.
func (p *Pool) DownloadRange(ctx context.Context, filePath string, offset, length int64) ([]byte, error) {
	m, err := p.Stat(ctx, filePath)
	if err != nil {
		return nil, err
	}
	return p.downloadRange(ctx, m, offset, length)
}

type rangeSegment struct {
	chunk model.ChunkDescriptor
	skip  int64 // offset within the chunk
	take  int64 // bytes to fetch
	at    int64 // position in the assembled result
}

func (p *Pool) downloadRange(ctx context.Context, m *model.Manifest, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d", offset, length)
	}
	if offset >= m.FileSize {
		return nil, nil
	}
	if offset+length > m.FileSize {
		length = m.FileSize - offset
	}
	if length == 0 {
		return nil, nil
	}

	segments := planRange(m.Chunks, offset, length)
	result := make([]byte, length)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallelWorkers)

	for _, seg := range segments {
		seg := seg
		g.Go(func() error {
			data, err := p.tr.GetRange(gctx, seg.chunk.Remote, seg.chunk.Path, seg.skip, seg.take)
			if err != nil {
				if errors.Is(err, transport.ErrNotFound) {
					return fmt.Errorf("%w: chunk %d of %s on %s", ErrChunkMissing, seg.chunk.Index, m.FilePath, seg.chunk.Remote)
				}
				return fmt.Errorf("chunk %d of %s: %w", seg.chunk.Index, m.FilePath, err)
			}
			if int64(len(data)) != seg.take {
				return fmt.Errorf("%w: chunk %d of %s returned %d bytes, wanted %d",
					ErrChunkMissing, seg.chunk.Index, m.FilePath, len(data), seg.take)
			}
			copy(result[seg.at:], data)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// planRange maps a byte range onto per-chunk fetches. Chunks are ordered by
// offset, so the scan stops at the first chunk past the range.
func planRange(chunks []model.ChunkDescriptor, offset, length int64) []rangeSegment {
	var segments []rangeSegment

	cursor := offset
	remaining := length
	for _, c := range chunks {
		cEnd := c.Offset + c.Size
		if cursor >= cEnd {
			continue
		}
		if c.Offset >= cursor+remaining {
			break
		}

		skip := cursor - c.Offset
		if skip < 0 {
			skip = 0
		}
		take := c.Size - skip
		if take > remaining {
			take = remaining
		}

		segments = append(segments, rangeSegment{
			chunk: c,
			skip:  skip,
			take:  take,
			at:    cursor - offset,
		})

		cursor += take
		remaining -= take
		if remaining == 0 {
			break
		}
	}

	return segments
}

// Delete removes a file: chunks first (best effort), then the manifest.
// Per-chunk failures are logged and reported but do not stop the delete.
func (p *Pool) Delete(ctx context.Context, filePath string) error {
	filePath = model.NormalizePath(filePath)
	unlock := p.lockPath(filePath)
	defer unlock()

	m, err := p.Stat(ctx, filePath)
	if err != nil {
		return err
	}

	p.log.Infow("delete", "path", m.FilePath, "chunks", m.ChunkCount)

	failed := p.deleteChunks(ctx, m.Chunks, true)

	if err := p.store.Delete(ctx, filePath); err != nil {
		p.log.Warnw("manifest delete incomplete", "path", filePath, "err", err)
	}

	if failed > 0 {
		return fmt.Errorf("deleted %s but %d chunk deletions failed", filePath, failed)
	}
	return nil
}

// deleteChunks best-effort deletes chunk objects, optionally releasing their
// space in the balancer. Returns the number of failed deletions.
func (p *Pool) deleteChunks(ctx context.Context, chunks []model.ChunkDescriptor, record bool) int {
	var (
		mu     sync.Mutex
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallelWorkers)

	for _, c := range chunks {
		c := c
		g.Go(func() error {
			err := p.tr.Delete(gctx, c.Remote, c.Path)
			if err != nil && !errors.Is(err, transport.ErrNotFound) {
				p.log.Warnw("chunk delete failed", "remote", c.Remote, "path", c.Path, "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			if record {
				p.bal.Record(c.Remote, -c.Size)
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}

// CheckRemotes reports configured remotes the transport cannot reach.
func (p *Pool) CheckRemotes(ctx context.Context) []string {
	var unreachable []string
	for _, remote := range p.cfg.ActiveRemotes() {
		ok, err := p.tr.Exists(ctx, remote)
		if err != nil || !ok {
			unreachable = append(unreachable, remote)
		}
	}
	return unreachable
}

// RemoteStatus is one remote's row in the status report.
type RemoteStatus struct {
	Remote string `json:"remote"`
	Used   int64  `json:"used"`
	Free   int64  `json:"free"`
	Total  int64  `json:"total"`
}

// Status reports per-remote space. With refresh set it queries the remotes;
// otherwise it serves the balancer's cached table.
func (p *Pool) Status(ctx context.Context, refresh bool) ([]RemoteStatus, error) {
	remotes := p.cfg.ActiveRemotes()
	statuses := make([]RemoteStatus, 0, len(remotes))

	if refresh {
		for _, remote := range remotes {
			space, err := p.tr.About(ctx, remote)
			if err != nil {
				p.log.Warnw("about failed", "remote", remote, "err", err)
				statuses = append(statuses, RemoteStatus{Remote: remote})
				continue
			}
			statuses = append(statuses, RemoteStatus{Remote: remote, Used: space.Used, Free: space.Free, Total: space.Total})
		}
		return statuses, nil
	}

	report := p.bal.Report()
	for _, remote := range remotes {
		u := report[remote]
		statuses = append(statuses, RemoteStatus{Remote: remote, Used: u.Used, Free: u.Free, Total: u.Total})
	}
	return statuses, nil
}

// Move renames a file to a new virtual path. Only the manifest changes;
// chunks stay where they are under their original names.
func (p *Pool) Move(ctx context.Context, srcPath, dstPath string) error {
	srcPath = model.NormalizePath(srcPath)
	dstPath = model.NormalizePath(dstPath)

	first, second := srcPath, dstPath
	if second < first {
		first, second = second, first
	}
	unlockFirst := p.lockPath(first)
	defer unlockFirst()
	if first != second {
		unlockSecond := p.lockPath(second)
		defer unlockSecond()
	}

	if _, err := p.store.Load(ctx, dstPath); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, dstPath)
	} else if !errors.Is(err, manifest.ErrManifestNotFound) {
		return err
	}

	m, err := p.Stat(ctx, srcPath)
	if err != nil {
		return err
	}

	moved := *m
	moved.Rename(dstPath)

	if _, err := p.store.Save(ctx, &moved); err != nil {
		return err
	}
	if err := p.store.Delete(ctx, srcPath); err != nil {
		p.log.Warnw("source manifest delete incomplete after move", "path", srcPath, "err", err)
	}

	p.log.Infow("move", "from", srcPath, "to", dstPath)
	return nil
}
