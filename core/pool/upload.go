package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pyropy/rclonepool/core/chunker"
	"github.com/pyropy/rclonepool/core/manifest"
	"github.com/pyropy/rclonepool/core/model"
	"github.com/pyropy/rclonepool/core/transport"
)

// Upload chunks a local file across the remotes and persists its manifest.
func (p *Pool) Upload(ctx context.Context, localPath, filePath string) (*model.Manifest, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	return p.UploadStream(ctx, f, info.Size(), filePath)
}

// UploadStream chunks size bytes from r across the remotes. Either the whole
// file lands and its manifest is durable on at least one remote, or every
// chunk written by this call is rolled back.
func (p *Pool) UploadStream(ctx context.Context, r io.Reader, size int64, filePath string) (*model.Manifest, error) {
	filePath = model.NormalizePath(filePath)
	unlock := p.lockPath(filePath)
	defer unlock()

	old, err := p.store.Load(ctx, filePath)
	switch {
	case err == nil:
		if !p.cfg.OverwriteExisting {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, filePath)
		}
	case errors.Is(err, manifest.ErrManifestNotFound):
		old = nil
	default:
		return nil, err
	}

	if err := p.checkCollision(ctx, filePath); err != nil {
		return nil, err
	}

	_, fileName := model.SplitPath(filePath)
	p.log.Infow("upload", "path", filePath, "size", size, "chunkSize", p.cfg.ChunkSize)

	chunks, err := p.uploadChunks(ctx, r, fileName)
	if err != nil {
		return nil, err
	}

	m, err := p.store.Create(filePath, size, p.cfg.ChunkSize, chunks)
	if err != nil {
		// Includes a stream that produced fewer bytes than declared: the
		// chunk sizes no longer sum to size and validation rejects it.
		p.rollback(ctx, chunks)
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	acked, err := p.store.Save(ctx, m)
	if err != nil {
		p.rollback(ctx, chunks)
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if old != nil {
		p.cleanupReplaced(ctx, old, m)
	}

	p.log.Infow("upload complete", "path", filePath, "chunks", len(chunks), "manifestAcks", len(acked))
	return m, nil
}

// uploadChunks streams windows to balanced remotes. On any terminal chunk
// failure every already-placed chunk of this call is rolled back.
func (p *Pool) uploadChunks(ctx context.Context, r io.Reader, fileName string) ([]model.ChunkDescriptor, error) {
	split, err := chunker.NewSplitter(r, p.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	chunks := make([]model.ChunkDescriptor, 0)
	for {
		w, err := split.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			p.rollback(ctx, chunks)
			return nil, fmt.Errorf("%w: read source: %v", ErrUploadFailed, err)
		}

		desc, err := p.placeChunk(ctx, fileName, w)
		if err != nil {
			p.rollback(ctx, chunks)
			return nil, err
		}
		chunks = append(chunks, desc)
	}

	return chunks, nil
}

// placeChunk picks a remote, spools the window to the temp dir and uploads
// it. The balancer reservation is released again on failure.
func (p *Pool) placeChunk(ctx context.Context, fileName string, w chunker.Window) (model.ChunkDescriptor, error) {
	size := int64(len(w.Data))

	remote, err := p.bal.Pick(size)
	if err != nil {
		return model.ChunkDescriptor{}, fmt.Errorf("%w: chunk %d: %v", ErrUploadFailed, w.Index, err)
	}

	remotePath := model.ChunkRemotePath(p.cfg.DataPrefix, fileName, w.Index)

	tempPath := filepath.Join(p.cfg.TempDir, fmt.Sprintf("chunk_%s.tmp", uuid.NewString()))
	if err := os.WriteFile(tempPath, w.Data, 0600); err != nil {
		p.bal.Record(remote, -size)
		return model.ChunkDescriptor{}, fmt.Errorf("%w: chunk %d: %v", transport.ErrTempFull, w.Index, err)
	}
	defer os.Remove(tempPath)

	if err := p.tr.Put(ctx, tempPath, remote, remotePath); err != nil {
		p.bal.Record(remote, -size)
		return model.ChunkDescriptor{}, fmt.Errorf("%w: chunk %d to %s: %v", ErrUploadFailed, w.Index, remote, err)
	}

	p.log.Debugw("chunk placed", "index", w.Index, "remote", remote, "size", size)

	return model.ChunkDescriptor{
		Index:  w.Index,
		Remote: remote,
		Path:   remotePath,
		Size:   size,
		Offset: w.Offset,
	}, nil
}

// rollback removes chunks written by a failed upload and releases their
// balancer reservations.
func (p *Pool) rollback(ctx context.Context, chunks []model.ChunkDescriptor) {
	if len(chunks) == 0 {
		return
	}
	p.log.Warnw("rolling back upload", "chunks", len(chunks))
	p.deleteChunks(ctx, chunks, true)
}

// cleanupReplaced deletes the previous manifest's chunks once the new
// manifest is durable, skipping any object path the new layout reuses.
func (p *Pool) cleanupReplaced(ctx context.Context, old, current *model.Manifest) {
	keep := make(map[string]struct{}, len(current.Chunks))
	for _, c := range current.Chunks {
		keep[c.Remote+c.Path] = struct{}{}
	}

	var stale []model.ChunkDescriptor
	for _, c := range old.Chunks {
		if _, reused := keep[c.Remote+c.Path]; reused {
			continue
		}
		stale = append(stale, c)
	}

	if len(stale) == 0 {
		return
	}
	p.log.Infow("removing replaced chunks", "path", old.FilePath, "count", len(stale))
	p.deleteChunks(ctx, stale, true)
}

// checkCollision refuses uploads whose chunk or manifest object names would
// clash with a different file's. Chunk names embed only the base file name
// and sanitized manifest names can coincide for distinct paths, so both are
// checked against the known manifests.
func (p *Pool) checkCollision(ctx context.Context, filePath string) error {
	manifests, err := p.store.List(ctx, "/", true)
	if err != nil {
		return err
	}

	_, fileName := model.SplitPath(filePath)
	manifestName := model.ManifestName(filePath)
	chunkPrefix := p.cfg.DataPrefix + "/" + fileName + ".chunk."

	for _, m := range manifests {
		if m.FilePath == filePath {
			continue
		}
		if model.ManifestName(m.FilePath) == manifestName {
			return fmt.Errorf("%w: %s and %s share a manifest name", ErrChunkCollision, filePath, m.FilePath)
		}
		// Chunk object names embed only the base file name, and a moved
		// file keeps its original chunk names, so compare actual paths.
		for _, c := range m.Chunks {
			if strings.HasPrefix(c.Path, chunkPrefix) {
				return fmt.Errorf("%w: %s and %s share chunk names", ErrChunkCollision, filePath, m.FilePath)
			}
		}
	}

	return nil
}
