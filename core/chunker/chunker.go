package chunker

import (
	"errors"
	"io"
)

var (
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
)

// Window is one fixed-size slice of the input stream. Data is only valid
// until the next call to Next; copy it if it must outlive the iteration.
type Window struct {
	Index  int
	Offset int64
	Data   []byte
}

// Splitter cuts a byte stream into windows of chunkSize bytes, the last one
// possibly shorter. Peak memory is one window.
type Splitter struct {
	r         io.Reader
	chunkSize int64
	buf       []byte
	index     int
	offset    int64
	done      bool
}

func NewSplitter(r io.Reader, chunkSize int64) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	return &Splitter{
		r:         r,
		chunkSize: chunkSize,
		buf:       make([]byte, chunkSize),
	}, nil
}

// Next returns the next window, or io.EOF when the stream is exhausted.
// An empty stream yields io.EOF immediately, producing zero windows.
func (s *Splitter) Next() (Window, error) {
	if s.done {
		return Window{}, io.EOF
	}

	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case err == io.EOF:
		s.done = true
		return Window{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		s.done = true
	case err != nil:
		return Window{}, err
	}

	w := Window{
		Index:  s.index,
		Offset: s.offset,
		Data:   s.buf[:n],
	}

	s.index++
	s.offset += int64(n)

	return w, nil
}

// Count is the number of chunks a file of fileSize bytes splits into.
func Count(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Reassemble concatenates chunk payloads in the order produced by next and
// writes them to w. next returns io.EOF when there are no more chunks.
func Reassemble(w io.Writer, next func() ([]byte, error)) error {
	for {
		data, err := next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
}
