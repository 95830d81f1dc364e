// Package manifest persists and indexes per-file manifests. Saves go to
// every remote, loads are satisfied by the first responsive one.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/model"
	"github.com/pyropy/rclonepool/core/transport"
	"github.com/pyropy/rclonepool/lib/cache"
)

var (
	ErrManifestNotFound   = errors.New("manifest not found on any remote")
	ErrManifestSaveFailed = errors.New("manifest save failed on every remote")
	ErrManifestCorrupt    = errors.New("manifest corrupt")
)

const manifestSuffix = ".manifest.json"

// memCacheSize bounds the in-memory manifest index; evicted entries fall
// back to the disk cache or the remotes.
const memCacheSize = 4096

// Store is the manifest store: an in-memory LRU in front of an optional
// leveldb disk cache in front of the remotes.
type Store struct {
	cfg config.Config
	tr  transport.Transport
	log *zap.SugaredLogger

	mem *cache.LRU[*model.Manifest]

	diskMu sync.Mutex
	disk   *dslvl.Datastore
}

func NewStore(cfg config.Config, tr transport.Transport, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		cfg: cfg,
		tr:  tr,
		log: log,
		mem: cache.NewLRU[*model.Manifest](memCacheSize),
	}

	if cfg.EnableManifestCache {
		disk, err := dslvl.NewDatastore(filepath.Join(cfg.ManifestCacheDir, "manifests"), nil)
		if err != nil {
			// The disk cache is an accelerator, not a dependency.
			log.Warnw("disk cache unavailable", "dir", cfg.ManifestCacheDir, "err", err)
		} else {
			s.disk = disk
		}
	}

	return s, nil
}

// Close releases the disk cache.
func (s *Store) Close() error {
	if s.disk == nil {
		return nil
	}
	return s.disk.Close()
}

// Create builds and validates a manifest without persisting it.
func (s *Store) Create(filePath string, fileSize, chunkSize int64, chunks []model.ChunkDescriptor) (*model.Manifest, error) {
	return model.NewManifest(filePath, fileSize, chunkSize, chunks)
}

// Save writes the manifest to every configured remote concurrently. It
// returns the remotes that acked; durability needs at least one. With zero
// acks the error wraps ErrManifestSaveFailed plus each remote failure.
func (s *Store) Save(ctx context.Context, m *model.Manifest) ([]string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}

	remotePath := model.ManifestRemotePath(s.cfg.ManifestPrefix, m.FilePath)

	var (
		mu    sync.Mutex
		acked []string
		errs  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelWorkers)

	for _, remote := range s.cfg.ActiveRemotes() {
		remote := remote
		g.Go(func() error {
			err := s.tr.PutBytes(gctx, data, remote, remotePath)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", remote, err))
				s.log.Warnw("manifest save failed", "remote", remote, "path", m.FilePath, "err", err)
				return nil
			}
			acked = append(acked, remote)
			return nil
		})
	}
	_ = g.Wait()

	if len(acked) == 0 {
		return nil, multierr.Append(ErrManifestSaveFailed, errs)
	}

	s.cachePut(m)
	return acked, nil
}

// Load resolves a manifest: memory cache, then disk cache, then remotes in
// configured order. Per-remote failures and corrupt copies are logged and
// skipped; only full exhaustion is ErrManifestNotFound.
func (s *Store) Load(ctx context.Context, filePath string) (*model.Manifest, error) {
	filePath = model.NormalizePath(filePath)

	if m, ok := s.mem.Get(filePath); ok {
		return m, nil
	}
	if m := s.diskGet(ctx, filePath); m != nil {
		s.mem.Put(filePath, m)
		return m, nil
	}

	remotePath := model.ManifestRemotePath(s.cfg.ManifestPrefix, filePath)

	for _, remote := range s.cfg.ActiveRemotes() {
		data, err := s.tr.GetBytes(ctx, remote, remotePath)
		if err != nil {
			if !errors.Is(err, transport.ErrNotFound) {
				s.log.Debugw("manifest fetch failed", "remote", remote, "path", filePath, "err", err)
			}
			continue
		}

		m, err := parse(data)
		if err != nil {
			s.log.Warnw("skipping corrupt manifest copy", "remote", remote, "path", filePath, "err", err)
			continue
		}

		s.cachePut(m)
		return m, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, filePath)
}

// List enumerates manifests from the first remote that answers, filtered by
// directory. With recursive set, files in subdirectories of dir are included.
func (s *Store) List(ctx context.Context, dir string, recursive bool) ([]*model.Manifest, error) {
	dir = model.NormalizePath(dir)

	var lastErr error
	for _, remote := range s.cfg.ActiveRemotes() {
		names, err := s.tr.ListFiles(ctx, remote, s.cfg.ManifestPrefix)
		if err != nil {
			lastErr = err
			s.log.Debugw("manifest listing failed", "remote", remote, "err", err)
			continue
		}

		manifests := s.loadListed(ctx, remote, names, dir, recursive)
		return manifests, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("listing manifests: %w", lastErr)
	}
	return nil, nil
}

func (s *Store) loadListed(ctx context.Context, remote string, names []string, dir string, recursive bool) []*model.Manifest {
	var manifests []*model.Manifest

	for _, name := range names {
		if !strings.HasSuffix(name, manifestSuffix) {
			continue
		}

		data, err := s.tr.GetBytes(ctx, remote, s.cfg.ManifestPrefix+"/"+name)
		if err != nil {
			s.log.Debugw("manifest fetch failed during list", "remote", remote, "name", name, "err", err)
			continue
		}

		m, err := parse(data)
		if err != nil {
			s.log.Warnw("corrupt manifest during list", "remote", remote, "name", name, "err", err)
			continue
		}

		if !inDir(m.RemoteDir, dir, recursive) {
			continue
		}

		s.cachePut(m)
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].FilePath < manifests[j].FilePath
	})
	return manifests
}

// Dirs synthesizes the set of immediate child directory names under dir from
// the known manifest paths.
func (s *Store) Dirs(ctx context.Context, dir string) ([]string, error) {
	dir = model.NormalizePath(dir)

	manifests, err := s.List(ctx, "/", true)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var dirs []string
	for _, m := range manifests {
		rest, ok := childOf(m.RemoteDir, dir)
		if !ok || rest == "" {
			continue
		}
		name := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name = rest[:i]
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			dirs = append(dirs, name)
		}
	}

	sort.Strings(dirs)
	return dirs, nil
}

// Delete removes the manifest from every remote and from the caches.
// Per-remote failures are aggregated but not fatal; the caller decides
// whether a partial delete is a warning or an error.
func (s *Store) Delete(ctx context.Context, filePath string) error {
	filePath = model.NormalizePath(filePath)
	remotePath := model.ManifestRemotePath(s.cfg.ManifestPrefix, filePath)

	var errs error
	for _, remote := range s.cfg.ActiveRemotes() {
		if err := s.tr.Delete(ctx, remote, remotePath); err != nil && !errors.Is(err, transport.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", remote, err))
			s.log.Warnw("manifest delete failed", "remote", remote, "path", filePath, "err", err)
		}
	}

	s.cacheDelete(ctx, filePath)
	return errs
}

// Invalidate drops a path from the caches without touching the remotes.
func (s *Store) Invalidate(ctx context.Context, filePath string) {
	s.cacheDelete(ctx, model.NormalizePath(filePath))
}

// RebuildCache re-enumerates manifests from the remotes and replaces the
// cache contents.
func (s *Store) RebuildCache(ctx context.Context) ([]*model.Manifest, error) {
	s.mem.Clear()
	s.diskClear(ctx)

	manifests, err := s.List(ctx, "/", true)
	if err != nil {
		return nil, err
	}

	s.log.Infow("manifest cache rebuilt", "count", len(manifests))
	return manifests, nil
}

func parse(data []byte) (*model.Manifest, error) {
	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	return &m, nil
}

func inDir(remoteDir, dir string, recursive bool) bool {
	if remoteDir == dir {
		return true
	}
	if !recursive {
		return false
	}
	if dir == "/" {
		return true
	}
	return strings.HasPrefix(remoteDir, dir+"/")
}

// childOf returns the path of p relative to dir when p lies strictly below it.
func childOf(p, dir string) (string, bool) {
	if dir == "/" {
		if p == "/" {
			return "", false
		}
		return strings.TrimPrefix(p, "/"), true
	}
	if !strings.HasPrefix(p, dir+"/") {
		return "", false
	}
	return p[len(dir)+1:], true
}

func (s *Store) cachePut(m *model.Manifest) {
	s.mem.Put(m.FilePath, m)

	if s.disk == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}

	s.diskMu.Lock()
	defer s.diskMu.Unlock()
	if err := s.disk.Put(context.Background(), ds.NewKey(m.FilePath), data); err != nil {
		s.log.Debugw("disk cache put failed", "path", m.FilePath, "err", err)
	}
}

func (s *Store) diskGet(ctx context.Context, filePath string) *model.Manifest {
	if s.disk == nil {
		return nil
	}

	s.diskMu.Lock()
	data, err := s.disk.Get(ctx, ds.NewKey(filePath))
	s.diskMu.Unlock()
	if err != nil {
		return nil
	}

	m, err := parse(data)
	if err != nil {
		// Corrupt disk entries are dropped and re-fetched from remotes.
		s.diskMu.Lock()
		_ = s.disk.Delete(ctx, ds.NewKey(filePath))
		s.diskMu.Unlock()
		return nil
	}
	return m
}

func (s *Store) cacheDelete(ctx context.Context, filePath string) {
	s.mem.Delete(filePath)

	if s.disk == nil {
		return
	}
	s.diskMu.Lock()
	defer s.diskMu.Unlock()
	_ = s.disk.Delete(ctx, ds.NewKey(filePath))
}

func (s *Store) diskClear(ctx context.Context) {
	if s.disk == nil {
		return
	}

	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	res, err := s.disk.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return
	}
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		_ = s.disk.Delete(ctx, ds.NewKey(r.Key))
	}
}
