package model

import (
	"fmt"
	"path"
	"strings"
)

// NormalizePath coerces a virtual path into the canonical absolute POSIX form
// used as the manifest key: leading slash, no trailing slash (except root).
func NormalizePath(p string) string {
	p = path.Clean("/" + strings.Trim(p, "/"))
	return p
}

// SplitPath splits a normalized file path into its directory and base name.
func SplitPath(filePath string) (remoteDir, fileName string) {
	filePath = NormalizePath(filePath)
	remoteDir, fileName = path.Split(filePath)
	remoteDir = strings.TrimSuffix(remoteDir, "/")
	if remoteDir == "" {
		remoteDir = "/"
	}
	return remoteDir, fileName
}

// Sanitize flattens a virtual path into a single remote-safe file name
// component: slashes become underscores, leading and trailing underscores
// are trimmed. An empty result maps to "root".
func Sanitize(filePath string) string {
	safe := strings.Trim(strings.ReplaceAll(filePath, "/", "_"), "_")
	if safe == "" {
		return "root"
	}
	return safe
}

// ChunkName is the on-remote object name for one chunk of a file. The index
// is zero-padded to three digits, supporting up to 1000 chunks per file.
func ChunkName(fileName string, index int) string {
	return fmt.Sprintf("%s.chunk.%03d", fileName, index)
}

// ChunkRemotePath is the full path of a chunk under the data prefix.
func ChunkRemotePath(dataPrefix, fileName string, index int) string {
	return dataPrefix + "/" + ChunkName(fileName, index)
}

// ManifestName is the on-remote file name for a manifest.
func ManifestName(filePath string) string {
	return Sanitize(filePath) + ".manifest.json"
}

// ManifestRemotePath is the full path of a manifest under the manifest prefix.
func ManifestRemotePath(manifestPrefix, filePath string) string {
	return manifestPrefix + "/" + ManifestName(filePath)
}
