package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const maxRetryDelay = 60 * time.Second

// Retrier wraps a Transport with exponential backoff: delay = base * 2^attempt,
// capped, plus up to one base delay of jitter. ErrNotFound and ErrTempFull are
// terminal and never retried; only the last error escapes.
type Retrier struct {
	inner      Transport
	maxRetries int
	baseDelay  time.Duration
	log        *zap.SugaredLogger
}

func NewRetrier(inner Transport, maxRetries int, baseDelay time.Duration, log *zap.SugaredLogger) *Retrier {
	return &Retrier{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		log:        log,
	}
}

func (r *Retrier) do(ctx context.Context, name string, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) || attempt == r.maxRetries {
			break
		}

		delay := r.backoff(attempt)
		r.log.Warnw("retrying", "op", name, "attempt", attempt+1, "max", r.maxRetries+1, "delay", delay, "err", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.baseDelay << uint(attempt)
	if r.baseDelay > 0 && (delay > maxRetryDelay || delay < r.baseDelay) {
		delay = maxRetryDelay
	}
	if r.baseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(r.baseDelay)))
	}
	return delay
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTempFull):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (r *Retrier) Put(ctx context.Context, localPath, remote, remotePath string) error {
	return r.do(ctx, "put", func() error {
		return r.inner.Put(ctx, localPath, remote, remotePath)
	})
}

func (r *Retrier) PutBytes(ctx context.Context, data []byte, remote, remotePath string) error {
	return r.do(ctx, "putBytes", func() error {
		return r.inner.PutBytes(ctx, data, remote, remotePath)
	})
}

func (r *Retrier) Get(ctx context.Context, remote, remotePath, localPath string) error {
	return r.do(ctx, "get", func() error {
		return r.inner.Get(ctx, remote, remotePath, localPath)
	})
}

func (r *Retrier) GetBytes(ctx context.Context, remote, remotePath string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "getBytes", func() error {
		var err error
		data, err = r.inner.GetBytes(ctx, remote, remotePath)
		return err
	})
	return data, err
}

func (r *Retrier) GetRange(ctx context.Context, remote, remotePath string, offset, length int64) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "getRange", func() error {
		var err error
		data, err = r.inner.GetRange(ctx, remote, remotePath, offset, length)
		return err
	})
	return data, err
}

func (r *Retrier) Delete(ctx context.Context, remote, remotePath string) error {
	return r.do(ctx, "delete", func() error {
		return r.inner.Delete(ctx, remote, remotePath)
	})
}

func (r *Retrier) Stat(ctx context.Context, remote, remotePath string) (int64, error) {
	var size int64
	err := r.do(ctx, "stat", func() error {
		var err error
		size, err = r.inner.Stat(ctx, remote, remotePath)
		return err
	})
	return size, err
}

func (r *Retrier) ListFiles(ctx context.Context, remote, prefix string) ([]string, error) {
	var names []string
	err := r.do(ctx, "listFiles", func() error {
		var err error
		names, err = r.inner.ListFiles(ctx, remote, prefix)
		return err
	})
	return names, err
}

func (r *Retrier) ListDirs(ctx context.Context, remote, prefix string) ([]string, error) {
	var names []string
	err := r.do(ctx, "listDirs", func() error {
		var err error
		names, err = r.inner.ListDirs(ctx, remote, prefix)
		return err
	})
	return names, err
}

func (r *Retrier) About(ctx context.Context, remote string) (Space, error) {
	var space Space
	err := r.do(ctx, "about", func() error {
		var err error
		space, err = r.inner.About(ctx, remote)
		return err
	})
	return space, err
}

func (r *Retrier) Exists(ctx context.Context, remote string) (bool, error) {
	var exists bool
	err := r.do(ctx, "exists", func() error {
		var err error
		exists, err = r.inner.Exists(ctx, remote)
		return err
	})
	return exists, err
}
