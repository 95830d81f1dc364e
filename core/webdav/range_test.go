package webdav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 250

	cases := []struct {
		header string
		start  int64
		end    int64
	}{
		{"bytes=0-0", 0, 0},
		{"bytes=0-99", 0, 99},
		{"bytes=100-", 100, 249},
		{"bytes=-1", 249, 249},
		{"bytes=-50", 200, 249},
		{"bytes=-500", 0, 249},      // suffix longer than the file
		{"bytes=200-400", 200, 249}, // end clamped
		{"bytes=249-", 249, 249},
	}

	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			br, err := parseRange(tc.header, size)
			require.NoError(t, err)
			assert.Equal(t, tc.start, br.start)
			assert.Equal(t, tc.end, br.end)
			assert.Equal(t, tc.end-tc.start+1, br.length())
		})
	}
}

func TestParseRangeInvalid(t *testing.T) {
	const size = 250

	invalid := []string{
		"units=0-10",
		"bytes=",
		"bytes=abc-def",
		"bytes=10-5",
		"bytes=-0",
		"bytes=--5",
	}
	for _, header := range invalid {
		_, err := parseRange(header, size)
		assert.ErrorIs(t, err, ErrInvalidRange, header)
	}

	unsatisfiable := []string{
		"bytes=250-",
		"bytes=300-400",
		"bytes=0-10,20-30", // multipart not served
	}
	for _, header := range unsatisfiable {
		_, err := parseRange(header, size)
		assert.ErrorIs(t, err, ErrUnsatisfiableRange, header)
	}
}

func TestParseRangeEmptyFile(t *testing.T) {
	_, err := parseRange("bytes=0-0", 0)
	assert.ErrorIs(t, err, ErrUnsatisfiableRange)

	_, err = parseRange("bytes=-1", 0)
	assert.ErrorIs(t, err, ErrUnsatisfiableRange)
}
