package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignRoundRobinOverSortedFiles(t *testing.T) {
	files := []string{"train-00003", "train-00000", "train-00002", "train-00001", "train-00004"}

	r0, err := Assign(files, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"train-00000", "train-00002", "train-00004"}, r0)

	r1, err := Assign(files, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"train-00001", "train-00003"}, r1)

	assert.Equal(t, "train-00003", files[0], "input slice must not be reordered")
}

func TestAssignCoversEveryFileOnce(t *testing.T) {
	var files []string
	for i := 0; i < 1024; i++ {
		files = append(files, fmt.Sprintf("train-%05d-of-01024", i))
	}

	seen := map[string]int{}
	for rank := 0; rank < 7; rank++ {
		mine, err := Assign(files, rank, 7)
		require.NoError(t, err)
		for _, f := range mine {
			seen[f]++
		}
	}
	assert.Len(t, seen, len(files))
	for f, n := range seen {
		assert.Equal(t, 1, n, f)
	}
}

func TestAssignMoreRanksThanFiles(t *testing.T) {
	mine, err := Assign([]string{"a"}, 3, 4)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestAssignRejectsBadRank(t *testing.T) {
	for _, c := range [][2]int{{-1, 2}, {2, 2}, {0, 0}} {
		_, err := Assign(nil, c[0], c[1])
		assert.True(t, errors.Is(err, ErrInvalidRank), "rank=%d size=%d", c[0], c[1])
	}
}

func TestPlanAndForRank(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"train-2", "train-0", "train-1", "validation-0"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	plan, err := Plan(filepath.Join(dir, "train-*"), "/out", 2)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	assert.Equal(t, Assignment{Rank: 0, Input: filepath.Join(dir, "train-0"), Output: "/out/train-0"}, plan[0])
	assert.Equal(t, 1, plan[2].Rank)
	assert.Equal(t, []int{2, 1}, Counts(plan, 2))

	mine, err := ForRank(filepath.Join(dir, "train-*"), "/out", 1, 2)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "/out/train-1", mine[0].Output)

	_, err = Plan(filepath.Join(dir, "nothing-*"), "/out", 2)
	assert.True(t, errors.Is(err, ErrNoMatches))
}

func TestFromLookup(t *testing.T) {
	env := map[string]string{EnvRank: "3", EnvSize: "8"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	rank, size, err := fromLookup(lookup)
	require.NoError(t, err)
	assert.Equal(t, 3, rank)
	assert.Equal(t, 8, size)

	delete(env, EnvSize)
	_, _, err = fromLookup(lookup)
	assert.ErrorIs(t, err, ErrNotMPI)

	env[EnvSize] = "2"
	_, _, err = fromLookup(lookup)
	assert.ErrorIs(t, err, ErrInvalidRank)

	env[EnvRank] = "x"
	_, _, err = fromLookup(lookup)
	assert.ErrorIs(t, err, ErrInvalidRank)
}
