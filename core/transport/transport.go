// Package transport moves bytes to and from named remotes. The production
// implementation shells out to rclone once per operation; retries are layered
// on top with Retrier.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrFailed marks a failed transport invocation (non-zero exit,
	// unparseable output). Retrier retries it until the budget is spent.
	ErrFailed = errors.New("transport operation failed")

	// ErrTimeout marks an invocation killed by its deadline. Always
	// retry-eligible.
	ErrTimeout = errors.New("transport operation timed out")

	// ErrNotFound marks an invocation that failed because the object does
	// not exist on the remote. Never retried.
	ErrNotFound = errors.New("object not found on remote")

	// ErrTempFull marks a failure to spool data to the temp directory.
	ErrTempFull = errors.New("temp dir full")
)

// Space is a remote's capacity report.
type Space struct {
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
	Total int64 `json:"total"`
}

// Transport is the operation set the pool needs from a remote-storage mover.
// Every call is blocking and carries a context for cancellation.
type Transport interface {
	// Put uploads the local file to remote:remotePath.
	Put(ctx context.Context, localPath, remote, remotePath string) error
	// PutBytes uploads data to remote:remotePath, spooling through the
	// temp dir.
	PutBytes(ctx context.Context, data []byte, remote, remotePath string) error
	// Get downloads remote:remotePath to the local path.
	Get(ctx context.Context, remote, remotePath, localPath string) error
	// GetBytes downloads remote:remotePath fully into memory.
	GetBytes(ctx context.Context, remote, remotePath string) ([]byte, error)
	// GetRange downloads length bytes of remote:remotePath starting at offset.
	GetRange(ctx context.Context, remote, remotePath string, offset, length int64) ([]byte, error)
	// Delete removes remote:remotePath.
	Delete(ctx context.Context, remote, remotePath string) error
	// Stat returns the size of remote:remotePath, or ErrNotFound.
	Stat(ctx context.Context, remote, remotePath string) (int64, error)
	// ListFiles lists file names directly under remote:prefix.
	ListFiles(ctx context.Context, remote, prefix string) ([]string, error)
	// ListDirs lists directory names directly under remote:prefix.
	ListDirs(ctx context.Context, remote, prefix string) ([]string, error)
	// About reports the remote's space usage.
	About(ctx context.Context, remote string) (Space, error)
	// Exists reports whether the remote is configured and reachable.
	Exists(ctx context.Context, remote string) (bool, error)
}
