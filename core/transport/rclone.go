package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pyropy/rclonepool/core/config"
)

// rclone exit codes that mean "the object is not there" rather than "the
// operation broke": 3 directory not found, 4 file not found.
const (
	exitDirNotFound  = 3
	exitFileNotFound = 4
)

// Rclone runs one rclone subprocess per operation.
type Rclone struct {
	cfg config.Config
	log *zap.SugaredLogger
}

func NewRclone(cfg config.Config, log *zap.SugaredLogger) (*Rclone, error) {
	if err := os.MkdirAll(cfg.TempDir, 0750); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", cfg.TempDir, err)
	}

	return &Rclone{cfg: cfg, log: log}, nil
}

func (r *Rclone) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := time.Duration(r.cfg.TransportTimeout * float64(time.Second))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.cfg.RcloneBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debugw("run", "binary", r.cfg.RcloneBinary, "args", args)

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, args[0], timeout)
	}
	if ctx.Err() == context.Canceled {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		msg := firstLine(stderr.String())
		if code == exitDirNotFound || code == exitFileNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return nil, fmt.Errorf("%w: exit %d: %s", ErrFailed, code, msg)
	}

	return nil, fmt.Errorf("%w: %v", ErrFailed, err)
}

func (r *Rclone) Put(ctx context.Context, localPath, remote, remotePath string) error {
	args := append([]string{"copyto", localPath, remote + remotePath}, r.cfg.RcloneFlags...)
	_, err := r.run(ctx, args...)
	return err
}

func (r *Rclone) PutBytes(ctx context.Context, data []byte, remote, remotePath string) error {
	tempPath := r.tempFile("put")
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrTempFull, err)
	}
	defer os.Remove(tempPath)

	return r.Put(ctx, tempPath, remote, remotePath)
}

func (r *Rclone) Get(ctx context.Context, remote, remotePath, localPath string) error {
	args := append([]string{"copyto", remote + remotePath, localPath}, r.cfg.RcloneFlags...)
	_, err := r.run(ctx, args...)
	return err
}

func (r *Rclone) GetBytes(ctx context.Context, remote, remotePath string) ([]byte, error) {
	tempPath := r.tempFile("get")
	defer os.Remove(tempPath)

	if err := r.Get(ctx, remote, remotePath, tempPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read spool: %v", ErrFailed, err)
	}

	return data, nil
}

func (r *Rclone) GetRange(ctx context.Context, remote, remotePath string, offset, length int64) ([]byte, error) {
	out, err := r.run(ctx, "cat", remote+remotePath,
		"--offset", strconv.FormatInt(offset, 10),
		"--count", strconv.FormatInt(length, 10))
	if err != nil {
		return nil, err
	}

	if int64(len(out)) > length {
		out = out[:length]
	}

	return out, nil
}

func (r *Rclone) Delete(ctx context.Context, remote, remotePath string) error {
	_, err := r.run(ctx, "deletefile", remote+remotePath)
	return err
}

func (r *Rclone) Stat(ctx context.Context, remote, remotePath string) (int64, error) {
	out, err := r.run(ctx, "lsjson", "--stat", remote+remotePath)
	if err != nil {
		return 0, err
	}

	var entry struct {
		Size int64 `json:"Size"`
	}
	if err := json.Unmarshal(out, &entry); err != nil {
		return 0, fmt.Errorf("%w: parse lsjson: %v", ErrFailed, err)
	}

	return entry.Size, nil
}

func (r *Rclone) ListFiles(ctx context.Context, remote, prefix string) ([]string, error) {
	out, err := r.run(ctx, "lsf", remote+prefix, "--files-only")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return splitLines(out, false), nil
}

func (r *Rclone) ListDirs(ctx context.Context, remote, prefix string) ([]string, error) {
	out, err := r.run(ctx, "lsf", remote+prefix, "--dirs-only")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return splitLines(out, true), nil
}

func (r *Rclone) About(ctx context.Context, remote string) (Space, error) {
	out, err := r.run(ctx, "about", remote, "--json")
	if err != nil {
		return Space{}, err
	}

	var space Space
	if err := json.Unmarshal(out, &space); err != nil {
		return Space{}, fmt.Errorf("%w: parse about: %v", ErrFailed, err)
	}

	// Some remotes report used and free but no total.
	if space.Total == 0 && (space.Used > 0 || space.Free > 0) {
		space.Total = space.Used + space.Free
	}

	return space, nil
}

func (r *Rclone) Exists(ctx context.Context, remote string) (bool, error) {
	_, err := r.run(ctx, "lsd", remote)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrFailed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Rclone) tempFile(op string) string {
	return filepath.Join(r.cfg.TempDir, fmt.Sprintf("%s_%s.tmp", op, uuid.NewString()))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

func splitLines(out []byte, stripSlash bool) []string {
	var result []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if stripSlash {
			line = strings.TrimSuffix(line, "/")
		}
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}
