package webdav

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange       = errors.New("malformed range header")
	ErrUnsatisfiableRange = errors.New("range not satisfiable")
)

// byteRange is a resolved, inclusive byte interval.
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// parseRange resolves a Range header against a file of the given size.
// Supported forms: bytes=a-b, bytes=a-, bytes=-N. Multipart ranges are not
// served and report unsatisfiable, as do ranges starting at or past the end.
func parseRange(header string, size int64) (byteRange, error) {
	spec, ok := cutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	if strings.Contains(spec, ",") {
		return byteRange{}, fmt.Errorf("%w: multipart ranges not supported", ErrUnsatisfiableRange)
	}

	spec = strings.TrimSpace(spec)

	if suffix, ok := cutPrefix(spec, "-"); ok {
		// bytes=-N: the final N bytes.
		n, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if size == 0 {
			return byteRange{}, fmt.Errorf("%w: empty file", ErrUnsatisfiableRange)
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		return byteRange{start: start, end: size - 1}, nil
	}

	first, rest, found := cut(spec, "-")
	if !found {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	end := size - 1
	if rest != "" {
		end, err = strconv.ParseInt(rest, 10, 64)
		if err != nil || end < start {
			return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if end > size-1 {
			end = size - 1
		}
	}

	if start >= size {
		return byteRange{}, fmt.Errorf("%w: start %d beyond %d", ErrUnsatisfiableRange, start, size)
	}

	return byteRange{start: start, end: end}, nil
}

func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

func cutPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
