package fsio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFDCacheReadWrite(t *testing.T) {
	dir := t.TempDir()
	cache := NewFDCache(2)
	path := filepath.Join(dir, "a")

	f, err := cache.Open(path)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	f2, err := cache.Open(path)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = f2.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestFDCacheEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	cache := NewFDCache(1)

	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")

	_, err := cache.Open(a)
	require.NoError(t, err)
	_, err = cache.Open(b)
	require.NoError(t, err)

	// "a" should have been evicted (closed and dropped from the cache);
	// reopening must open a fresh descriptor rather than return a stale one.
	fa, err := cache.Open(a)
	require.NoError(t, err)
	_, err = fa.WriteAt([]byte("x"), 0)
	require.NoError(t, err)
}

func TestExtend(t *testing.T) {
	dir := t.TempDir()
	cache := NewFDCache(4)
	path := filepath.Join(dir, "seg")
	f, err := cache.Open(path)
	require.NoError(t, err)

	require.NoError(t, f.Extend(1024))
	size, err := f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 1024, size)
}
