// ABOUTME: Tests for attempt-versioned artifact storage
// ABOUTME: Layout, atomic writes and per-document removal

package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactLayoutAndRoundTrip(t *testing.T) {
	a, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)

	path, err := a.Write("doc_1", "ocr", 1, "md", []byte("# contenido"))
	require.NoError(t, err)
	assert.Equal(t, a.Path("doc_1", "ocr", 1, "md"), path)
	assert.Contains(t, path, filepath.Join("doc_1", "ocr", "attempt-1.md"))

	data, err := a.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "# contenido", string(data))
}

func TestArtifactAttemptsCoexist(t *testing.T) {
	a, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)

	first, err := a.Write("doc_1", "ocr", 1, "md", []byte("primero"))
	require.NoError(t, err)
	second, err := a.Write("doc_1", "ocr", 2, "md", []byte("segundo"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	d1, _ := a.Read(first)
	d2, _ := a.Read(second)
	assert.Equal(t, "primero", string(d1))
	assert.Equal(t, "segundo", string(d2))
}

func TestArtifactRemove(t *testing.T) {
	a, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)

	path, err := a.Write("doc_1", "normalize", 1, "md", []byte("texto"))
	require.NoError(t, err)

	require.NoError(t, a.Remove("doc_1"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactWriteLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	a, err := NewArtifacts(root)
	require.NoError(t, err)

	_, err = a.Write("doc_1", "ocr", 1, "md", []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "doc_1", "ocr"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
