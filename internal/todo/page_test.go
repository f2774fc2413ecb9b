package todo

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePageDefaults(t *testing.T) {
	page, err := ParsePage(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: 50, Offset: 0}, page)
}

func TestParsePageClampsLimit(t *testing.T) {
	page, err := ParsePage(url.Values{"limit": {"500"}, "offset": {"20"}})
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: 100, Offset: 20}, page)
}

func TestParsePageRejects(t *testing.T) {
	tests := []struct {
		query   string
		details []string
	}{
		{"limit=0", []string{"limit must be a positive integer."}},
		{"limit=-3", []string{"limit must be a positive integer."}},
		{"limit=ten", []string{"limit must be a positive integer."}},
		{"limit=5abc", []string{"limit must be a positive integer."}},
		{"offset=-1", []string{"offset must be a non-negative integer."}},
		{"limit=0&offset=x", []string{"limit must be a positive integer.", "offset must be a non-negative integer."}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			_, err = ParsePage(q)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, "Invalid query parameters.", validationErr.Message)
			assert.Equal(t, tt.details, validationErr.Details)
		})
	}
}

func TestParseUserID(t *testing.T) {
	id, err := ParseUserID("  u-1 ")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)

	_, err = ParseUserID("   ")
	require.EqualError(t, err, "userId is required in path parameter.")

	_, err = ParseUserID(strings.Repeat("x", 129))
	require.EqualError(t, err, "userId must be 128 characters or fewer.")

	_, err = ParseUserID(strings.Repeat("x", 128))
	require.NoError(t, err)
}
