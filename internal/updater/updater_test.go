package updater

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewer(t *testing.T) {
	tests := []struct {
		a, b    string
		want    bool
		wantErr bool
	}{
		{a: "0.6.6", b: "0.6.5", want: true},
		{a: "0.7.0", b: "0.6.9", want: true},
		{a: "1.0.0", b: "0.99.99", want: true},
		{a: "0.6.5", b: "0.6.5"},
		{a: "0.6.4", b: "0.6.5"},
		{a: "v1.2.3-rc1", b: "1.2.2", want: true},
		{a: "1.2", b: "1.2.0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			got, err := Newer(tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/serial-mcp/releases/latest", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_ = json.NewEncoder(w).Encode(Release{TagName: "v0.4.0", HTMLURL: "https://example.test/r/0.4.0"})
	}))
	defer srv.Close()

	c := NewChecker("acme/serial-mcp")
	c.BaseURL = srv.URL
	info, err := c.Check(t.Context(), "v0.3.0")
	require.NoError(t, err)
	assert.True(t, info.Available)
	assert.Equal(t, "0.3.0", info.CurrentVersion)
	assert.Equal(t, "0.4.0", info.LatestVersion)
	assert.Equal(t, "https://example.test/r/0.4.0", info.ReleaseURL)

	info, err = c.Check(t.Context(), "0.4.0")
	require.NoError(t, err)
	assert.False(t, info.Available)
}

func TestCheckReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker("")
	assert.Equal(t, DefaultRepo, c.Repo)
	c.BaseURL = srv.URL
	_, err := c.Check(t.Context(), "0.3.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
