package httpapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTokenFile(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, adminTokenFile))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestAdminTokenDir(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{":memory:", ""},
		{"", ""},
		{"/data/taskhub.db", "/data"},
		{"file:/data/taskhub.db?_pragma=busy_timeout(5000)", "/data"},
		{"file::memory:?cache=shared", ""},
		{"postgres://u:p@db:5432/taskhub", ""},
		{"host=db user=taskhub", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, AdminTokenDir(tc.dsn), tc.dsn)
	}
}

func TestAdminTokenGeneratedAndReused(t *testing.T) {
	dir := t.TempDir()

	h1, err := NewAdminTokenHolder("", dir, nil)
	require.NoError(t, err)
	tok := readTokenFile(t, dir)
	require.Len(t, tok, 64)
	assert.True(t, h1.Matches(tok))

	fi, err := os.Stat(filepath.Join(dir, adminTokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	h2, err := NewAdminTokenHolder("", dir, nil)
	require.NoError(t, err)
	assert.True(t, h2.Matches(tok), "token file is reused across restarts")
}

func TestAdminTokenRotate(t *testing.T) {
	dir := t.TempDir()
	h, err := NewAdminTokenHolder("", dir, nil)
	require.NoError(t, err)
	old := readTokenFile(t, dir)

	rotated, err := h.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, old, rotated)
	assert.True(t, h.Matches(rotated))
	assert.False(t, h.Matches(old))
	assert.Equal(t, rotated, readTokenFile(t, dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestAdminTokenConfiguredWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, adminTokenFile), []byte("stale\n"), 0o600))

	h, err := NewAdminTokenHolder("explicit", dir, nil)
	require.NoError(t, err)
	assert.True(t, h.Matches("explicit"))
	assert.False(t, h.Matches("stale"))
	assert.Equal(t, "explicit", readTokenFile(t, dir))
}

func TestAdminTokenWithoutDir(t *testing.T) {
	h, err := NewAdminTokenHolder("", "", nil)
	require.NoError(t, err)
	assert.False(t, h.Matches(""))

	h, err = NewAdminTokenHolder("s3cret", "", nil)
	require.NoError(t, err)
	assert.True(t, h.Matches("s3cret"))
	assert.False(t, h.Matches("s3cre"))
}

func TestAdminTokenMiddleware(t *testing.T) {
	h, err := NewAdminTokenHolder("s3cret", "", nil)
	require.NoError(t, err)
	next := h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer s3cret", http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"basic scheme", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/v1/tables", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			next.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}
