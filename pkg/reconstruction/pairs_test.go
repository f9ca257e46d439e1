package reconstruction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExhaustivePairsOrdersLexicographically(t *testing.T) {
	pairs := ExhaustivePairs([]string{"b.jpg", "a.jpg", "c.jpg"})

	require.Len(t, pairs, 3)
	for _, p := range pairs {
		assert.True(t, p.ImageA < p.ImageB)
	}
}

func TestPairsWithNewImagesSkipsSelfPairs(t *testing.T) {
	pairs := PairsWithNewImages([]string{"new1.jpg", "new2.jpg"}, []string{"ref1.jpg", "new1.jpg"})

	for _, p := range pairs {
		assert.NotEqual(t, p.ImageA, p.ImageB)
	}
	// new1/ref1, new2/ref1, new2/new1 — new1 paired against itself in
	// referenceNames is skipped.
	assert.Len(t, pairs, 3)
}

func TestAppendPairsAddsTrailingNewlineBeforeAppending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairs-sfm.txt")
	require.NoError(t, os.WriteFile(path, []byte("a.jpg b.jpg"), 0o644))

	require.NoError(t, AppendPairs(path, []Pair{{ImageA: "c.jpg", ImageB: "d.jpg"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg b.jpg\nc.jpg d.jpg\n", string(data))
}

func TestAppendPairsNoOpOnEmptyInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairs-sfm.txt")

	require.NoError(t, AppendPairs(path, nil))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReadPairsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairs-sfm.txt")

	written := []Pair{{ImageA: "a.jpg", ImageB: "b.jpg"}, {ImageA: "a.jpg", ImageB: "c.jpg"}}
	require.NoError(t, AppendPairs(path, written))

	read, err := ReadPairs(path)
	require.NoError(t, err)
	assert.Equal(t, written, read)
}

func TestReadPairsMissingFileReturnsEmpty(t *testing.T) {
	read, err := ReadPairs(filepath.Join(t.TempDir(), "missing.txt"))
	require.NoError(t, err)
	assert.Nil(t, read)
}
