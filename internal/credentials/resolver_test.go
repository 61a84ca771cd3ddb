package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_EnvironmentWins(t *testing.T) {
	r := New()
	r.Environ = func() []string {
		return []string{"TURSO_URL=https://env.example", "TURSO_TOKEN=env-token"}
	}
	r.WellKnownFiles = nil
	r.LegacyTokenFile = ""
	r.HomeDir = func() (string, error) { return "", nil }

	pair := r.Resolve()
	assert.Equal(t, "https://env.example", pair.URL)
	assert.Equal(t, "env-token", pair.Token)
	assert.False(t, pair.Offline())
}

func TestResolve_ConfigSourceSecondInOrder(t *testing.T) {
	r := New()
	r.Environ = func() []string { return nil }
	r.ConfigSource = fakeConfigSource{"turso_url": "https://cfg.example", "turso_token": "cfg-token"}
	r.WellKnownFiles = nil
	r.LegacyTokenFile = ""
	r.HomeDir = func() (string, error) { return "", nil }

	pair := r.Resolve()
	assert.Equal(t, "https://cfg.example", pair.URL)
	assert.Equal(t, "cfg-token", pair.Token)
}

func TestResolve_WellKnownFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "muninn.env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nTURSO_URL=\"https://file.example\"\nTURSO_TOKEN='file-token'\n"), 0644))

	r := New()
	r.Environ = func() []string { return nil }
	r.WellKnownFiles = []string{path}
	r.LegacyTokenFile = ""
	r.HomeDir = func() (string, error) { return "", nil }

	pair := r.Resolve()
	assert.Equal(t, "https://file.example", pair.URL)
	assert.Equal(t, "file-token", pair.Token)
}

func TestResolve_LegacyTokenFilePairsWithDefaultURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "turso-token.txt")
	require.NoError(t, os.WriteFile(path, []byte("legacy-token\n"), 0644))

	r := New()
	r.Environ = func() []string { return nil }
	r.WellKnownFiles = nil
	r.LegacyTokenFile = path
	r.HomeDir = func() (string, error) { return "", nil }

	pair := r.Resolve()
	assert.Equal(t, defaultURL, pair.URL)
	assert.Equal(t, "legacy-token", pair.Token)
}

func TestResolve_OfflineWhenNothingFound(t *testing.T) {
	r := New()
	r.Environ = func() []string { return nil }
	r.WellKnownFiles = nil
	r.LegacyTokenFile = ""
	r.HomeDir = func() (string, error) { return "", nil }

	pair := r.Resolve()
	assert.True(t, pair.Offline())
	assert.Equal(t, defaultURL, pair.URL)
}

func TestResolve_Memoized(t *testing.T) {
	calls := 0
	r := New()
	r.Environ = func() []string {
		calls++
		return []string{"TURSO_URL=https://env.example", "TURSO_TOKEN=env-token"}
	}
	r.WellKnownFiles = nil
	r.LegacyTokenFile = ""
	r.HomeDir = func() (string, error) { return "", nil }

	r.Resolve()
	r.Resolve()
	assert.Equal(t, 1, calls)
}

type fakeConfigSource map[string]string

func (f fakeConfigSource) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}
