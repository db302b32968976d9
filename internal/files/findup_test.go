package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "target.toml"), nil, 0644))
	// directories with the name don't count
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "target.yaml"), 0755))

	p, err := FindUp(deep, "target.yaml", "target.toml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "target.toml"), p)

	p, err = FindUp(deep, "does-not-exist-anywhere.yaml")
	require.NoError(t, err)
	assert.Empty(t, p)
}
