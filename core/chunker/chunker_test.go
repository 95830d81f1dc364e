package chunker

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, data []byte, chunkSize int64) []Window {
	t.Helper()

	s, err := NewSplitter(bytes.NewReader(data), chunkSize)
	require.NoError(t, err)

	var windows []Window
	for {
		w, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		copied := w
		copied.Data = append([]byte(nil), w.Data...)
		windows = append(windows, copied)
	}
	return windows
}

func TestSplitterInvalidChunkSize(t *testing.T) {
	_, err := NewSplitter(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = NewSplitter(bytes.NewReader(nil), -5)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestSplitterBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		size      int64
		chunkSize int64
		want      int
	}{
		{"empty", 0, 100, 0},
		{"one byte", 1, 100, 1},
		{"one under", 99, 100, 1},
		{"exact", 100, 100, 1},
		{"one over", 101, 100, 2},
		{"two and a half", 250, 100, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := bytes.Repeat([]byte("A"), int(tc.size))
			windows := collect(t, data, tc.chunkSize)
			require.Len(t, windows, tc.want)
			assert.Equal(t, tc.want, Count(tc.size, tc.chunkSize))

			var offset int64
			for i, w := range windows {
				assert.Equal(t, i, w.Index)
				assert.Equal(t, offset, w.Offset)
				if i < len(windows)-1 {
					assert.Equal(t, tc.chunkSize, int64(len(w.Data)))
				}
				offset += int64(len(w.Data))
			}
			assert.Equal(t, tc.size, offset)
		})
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		size := rnd.Intn(5000)
		chunkSize := int64(rnd.Intn(512) + 1)

		data := make([]byte, size)
		rnd.Read(data)

		windows := collect(t, data, chunkSize)

		// A non-nil backing slice keeps out.Bytes() comparable to an empty
		// input, which testify distinguishes from nil.
		out := bytes.NewBuffer([]byte{})
		next := 0
		err := Reassemble(out, func() ([]byte, error) {
			if next >= len(windows) {
				return nil, io.EOF
			}
			w := windows[next]
			next++
			return w.Data, nil
		})
		require.NoError(t, err)
		assert.Equal(t, data, out.Bytes())
	}
}
