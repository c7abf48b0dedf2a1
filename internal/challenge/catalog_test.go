package challenge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalogFromBytes(t *testing.T) {
	c, err := LoadCatalogFromBytes([]byte(testCatalogYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	q, ok := c.Get("q-short")
	require.True(t, ok)
	assert.Equal(t, "Short Question", q.Title)
	assert.Equal(t, "easy", q.Difficulty)
	assert.Equal(t, 50*time.Millisecond, q.TimeLimit)
	assert.Equal(t, 5, q.TotalTests)

	q, ok = c.Get("q-nolimit")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), q.TimeLimit, "absent time_limit means the default applies")

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLoadCatalogFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing id",
			yaml: "questions:\n  - title: T\n    total_tests: 1\n",
			want: "id must not be empty",
		},
		{
			name: "missing title",
			yaml: "questions:\n  - id: q1\n    total_tests: 1\n",
			want: "title must not be empty",
		},
		{
			name: "zero tests",
			yaml: "questions:\n  - id: q1\n    title: T\n",
			want: "total_tests",
		},
		{
			name: "bad duration",
			yaml: "questions:\n  - id: q1\n    title: T\n    total_tests: 1\n    time_limit: soon\n",
			want: "time_limit",
		},
		{
			name: "negative duration",
			yaml: "questions:\n  - id: q1\n    title: T\n    total_tests: 1\n    time_limit: -5m\n",
			want: "must be positive",
		},
		{
			name: "duplicate id",
			yaml: "questions:\n  - id: q1\n    title: A\n    total_tests: 1\n  - id: q1\n    title: B\n    total_tests: 1\n",
			want: "duplicate question id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalogFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCatalogFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("questions:\n  - id: q1\n    title: A\n    total_tests: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"),
		[]byte("questions:\n  - id: q2\n    title: B\n    total_tests: 2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("ignored"), 0o644))

	c, err := LoadCatalogFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.ElementsMatch(t, []string{"q1", "q2"}, c.IDs())
}

func TestLoadCatalogFromDir_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("questions:\n  - id: q1\n    title: A\n    total_tests: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"),
		[]byte("questions:\n  - id: q1\n    title: B\n    total_tests: 1\n"), 0o644))

	_, err := LoadCatalogFromDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate question id")
}

func TestLoadCatalogFromDir_MissingDir(t *testing.T) {
	_, err := LoadCatalogFromDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
