package httpTracker

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeBinary(t *testing.T) {
	assert.Equal(t, "abc-._~09", EscapeBinary([]byte("abc-._~09")))
	// Lowercase hex, and no '+' for spaces.
	assert.Equal(t, "%00%1f%20%ff", EscapeBinary([]byte{0, 0x1f, ' ', 0xff}))
	assert.Equal(t, "%2f%2b", EscapeBinary([]byte("/+")))
}

func TestEscapeBinaryRoundTrip(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	got, err := UnescapeBinary(EscapeBinary(all))
	require.NoError(t, err)
	assert.Equal(t, all, got)

	// The stdlib can decode our escaping too.
	s, err := url.QueryUnescape(EscapeBinary(all[1:]))
	require.NoError(t, err)
	assert.Equal(t, all[1:], []byte(s))
}

func TestUnescapeBinaryErrors(t *testing.T) {
	_, err := UnescapeBinary("%zz")
	assert.Error(t, err)
	_, err = UnescapeBinary("%f")
	assert.Error(t, err)
}

func TestScrapeURL(t *testing.T) {
	for _, tc := range []struct {
		announce string
		scrape   string
		ok       bool
	}{
		{"http://example.com/announce", "http://example.com/scrape", true},
		{"http://example.com/x/announce", "http://example.com/x/scrape", true},
		{"http://example.com/a", "", false},
		{"http://example.com/announce/x", "", false},
	} {
		u, err := url.Parse(tc.announce)
		require.NoError(t, err)
		su, err := ScrapeURL(u)
		if tc.ok {
			require.NoError(t, err)
			assert.Equal(t, tc.scrape, su.String())
		} else {
			assert.Error(t, err)
		}
	}
}
