package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRelative(t *testing.T) {
	dir := t.TempDir()
	svc := New(dir, nil)

	res := svc.Write(WriteRequest{
		Content:         "hello",
		Path:            "data/notes.txt",
		UseRelativePath: true,
		ModuleName:      "notes",
	})
	require.True(t, res.Successful, res.Message)
	assert.Equal(t, filepath.Join(dir, "notes", "data", "notes.txt"), res.Path)
	assert.Empty(t, res.Message)

	got := svc.Read(ReadRequest{Path: "data/notes.txt", UseRelativePath: true, ModuleName: "notes"})
	require.True(t, got.Successful)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, res.Path, got.Path)
}

func TestWriteAppendAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	svc := New("", nil)

	require.True(t, svc.Write(WriteRequest{Content: "a", Path: path}).Successful)
	require.True(t, svc.Write(WriteRequest{Content: "b", Path: path, AppendMode: true}).Successful)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))

	require.True(t, svc.Write(WriteRequest{Content: "c", Path: path}).Successful)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
}

func TestReadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.txt")
	res := New("", nil).Read(ReadRequest{Path: path})
	assert.False(t, res.Successful)
	assert.Equal(t, path, res.Path)
	assert.NotEmpty(t, res.Message)
}

func TestRelativePathEscape(t *testing.T) {
	svc := New(t.TempDir(), nil)

	res := svc.Write(WriteRequest{Content: "x", Path: "../../etc/passwd", UseRelativePath: true, ModuleName: "m"})
	assert.False(t, res.Successful)
	assert.Contains(t, res.Message, ErrEscapesModule.Error())

	res = svc.Read(ReadRequest{Path: "a.txt", UseRelativePath: true, ModuleName: "../other"})
	assert.False(t, res.Successful)

	_, err := svc.Resolve("a.txt", true, "")
	assert.ErrorIs(t, err, ErrEscapesModule)
}

func TestWriteIntoFileAsDirectoryFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	res := New("", nil).Write(WriteRequest{Content: "x", Path: filepath.Join(blocker, "child.txt")})
	assert.False(t, res.Successful)
	assert.NotEmpty(t, res.Message)
}
