package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pyropy/rclonepool/lib/checksum"
)

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

var (
	ErrManifestInvalid = errors.New("manifest invariant violated")
)

// ChunkDescriptor records where one chunk of a file lives.
type ChunkDescriptor struct {
	Index  int    `json:"index"`
	Remote string `json:"remote"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Offset int64  `json:"offset"`
}

// Manifest is the per-file metadata record. It is persisted as JSON on every
// remote. Unknown keys found on load are kept in Extra and echoed on save.
type Manifest struct {
	Version    int               `json:"version"`
	FileName   string            `json:"file_name"`
	RemoteDir  string            `json:"remote_dir"`
	FilePath   string            `json:"file_path"`
	FileSize   int64             `json:"file_size"`
	ChunkSize  int64             `json:"chunk_size"`
	ChunkCount int               `json:"chunk_count"`
	Chunks     []ChunkDescriptor `json:"chunks"`
	CreatedAt  float64           `json:"created_at"`
	Checksum   string            `json:"checksum"`

	Extra map[string]json.RawMessage `json:"-"`
}

// NewManifest builds a manifest for filePath and validates it.
func NewManifest(filePath string, fileSize, chunkSize int64, chunks []ChunkDescriptor) (*Manifest, error) {
	filePath = NormalizePath(filePath)
	remoteDir, fileName := SplitPath(filePath)

	m := &Manifest{
		Version:    ManifestVersion,
		FileName:   fileName,
		RemoteDir:  remoteDir,
		FilePath:   filePath,
		FileSize:   fileSize,
		ChunkSize:  chunkSize,
		ChunkCount: len(chunks),
		Chunks:     chunks,
		CreatedAt:  float64(time.Now().UnixNano()) / float64(time.Second),
		Checksum:   checksum.Short(fmt.Sprintf("%s:%d:%d", fileName, fileSize, len(chunks))),
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks the layout invariants: gap-free prefix-sum offsets, sizes
// summing to the file size, only the last chunk allowed short.
func (m *Manifest) Validate() error {
	if m.FilePath == "" || !strings.HasPrefix(m.FilePath, "/") {
		return fmt.Errorf("%w: file path %q must be absolute", ErrManifestInvalid, m.FilePath)
	}
	if m.FileSize < 0 {
		return fmt.Errorf("%w: negative file size %d", ErrManifestInvalid, m.FileSize)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d not positive", ErrManifestInvalid, m.ChunkSize)
	}
	if m.ChunkCount != len(m.Chunks) {
		return fmt.Errorf("%w: chunk_count %d does not match %d chunks", ErrManifestInvalid, m.ChunkCount, len(m.Chunks))
	}
	if len(m.Chunks) == 0 && m.FileSize != 0 {
		return fmt.Errorf("%w: no chunks for %d bytes", ErrManifestInvalid, m.FileSize)
	}

	var total, offset int64
	for i, c := range m.Chunks {
		if c.Index != i {
			return fmt.Errorf("%w: chunk %d has index %d", ErrManifestInvalid, i, c.Index)
		}
		if c.Offset != offset {
			return fmt.Errorf("%w: chunk %d offset %d, want %d", ErrManifestInvalid, i, c.Offset, offset)
		}
		if c.Size <= 0 {
			return fmt.Errorf("%w: chunk %d has size %d", ErrManifestInvalid, i, c.Size)
		}
		if c.Size > m.ChunkSize {
			return fmt.Errorf("%w: chunk %d size %d exceeds chunk size %d", ErrManifestInvalid, i, c.Size, m.ChunkSize)
		}
		if c.Size < m.ChunkSize && i != len(m.Chunks)-1 {
			return fmt.Errorf("%w: short chunk %d before the last", ErrManifestInvalid, i)
		}
		if c.Remote == "" || c.Path == "" {
			return fmt.Errorf("%w: chunk %d missing remote or path", ErrManifestInvalid, i)
		}
		total += c.Size
		offset += c.Size
	}

	if total != m.FileSize {
		return fmt.Errorf("%w: chunk sizes sum to %d, file size is %d", ErrManifestInvalid, total, m.FileSize)
	}

	return nil
}

// Remotes returns the distinct remotes holding any chunk of the file.
func (m *Manifest) Remotes() []string {
	seen := map[string]struct{}{}
	remotes := make([]string, 0, 1)

	for _, c := range m.Chunks {
		if _, ok := seen[c.Remote]; ok {
			continue
		}
		seen[c.Remote] = struct{}{}
		remotes = append(remotes, c.Remote)
	}

	return remotes
}

// Rename points the manifest at a new virtual path. Chunks are untouched.
func (m *Manifest) Rename(filePath string) {
	filePath = NormalizePath(filePath)
	m.RemoteDir, m.FileName = SplitPath(filePath)
	m.FilePath = filePath
}

type manifestAlias Manifest

var manifestKnownKeys = map[string]struct{}{
	"version": {}, "file_name": {}, "remote_dir": {}, "file_path": {},
	"file_size": {}, "chunk_size": {}, "chunk_count": {}, "chunks": {},
	"created_at": {}, "checksum": {},
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var alias manifestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for k := range raw {
		if _, known := manifestKnownKeys[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}

	*m = Manifest(alias)
	m.Extra = raw
	return nil
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(manifestAlias(m))
	if err != nil {
		return nil, err
	}

	if len(m.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := merged[k]; taken {
			continue
		}
		merged[k] = v
	}

	return json.Marshal(merged)
}
