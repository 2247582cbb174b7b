package vfs_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/":                "/",
		"":                 "/",
		"abc":              "/abc",
		"/abc":             "/abc",
		"/abc/":            "/abc",
		"//abc///def":      "/abc/def",
		"/./abc/./":        "/abc",
		"/abc/../def":      "/def",
		"/../..":           "/",
		"/abc/def/../..":   "/",
		"/a/b/c/../../d":   "/a/d",
		"a/./b//../c":      "/a/c",
		"/mnt/sub/x":       "/mnt/sub/x",
		"/trailing/only/":  "/trailing/only",
		"/.hidden":         "/.hidden",
		"/..weird/name...": "/..weird/name...",
	}

	for input, expected := range cases {
		actual, err := vfs.NormalizePath(input)
		require.NoError(t, err, "normalizing %q failed", input)
		assert.Equal(t, expected, actual, "wrong result for %q", input)
	}
}

// Normalization must be idempotent: running it twice changes nothing.
func TestNormalizePath__Idempotent(t *testing.T) {
	inputs := []string{
		"/", "", "a//b/./c/../d", "/x/y/z/", "////", "/a/../../b",
	}
	for _, input := range inputs {
		once, err := vfs.NormalizePath(input)
		require.NoError(t, err)
		twice, err := vfs.NormalizePath(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize(%q) is not a fixed point", input)
	}
}

func TestNormalizePath__TooLong(t *testing.T) {
	path := "/" + strings.Repeat("a", vfs.MaxPathLength)
	_, err := vfs.NormalizePath(path)
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
}

func TestSplitPath(t *testing.T) {
	parent, base := vfs.SplitPath("/")
	assert.Equal(t, "/", parent)
	assert.Equal(t, "", base)

	parent, base = vfs.SplitPath("/abc")
	assert.Equal(t, "/", parent)
	assert.Equal(t, "abc", base)

	parent, base = vfs.SplitPath("/abc/def/ghi")
	assert.Equal(t, "/abc/def", parent)
	assert.Equal(t, "ghi", base)
}

func TestPathComponents(t *testing.T) {
	assert.Empty(t, vfs.PathComponents("/"))
	assert.Equal(t, []string{"a"}, vfs.PathComponents("/a"))
	assert.Equal(t, []string{"a", "b", "c"}, vfs.PathComponents("/a/b/c"))
}
