// Package shard splits TFRecord shard files across MPI ranks the same way the
// preprocessing workers do: sort the matched files, then rank r takes every
// size-th file starting at index r.
package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Open MPI exports these to every rank it starts
const (
	EnvRank = "OMPI_COMM_WORLD_RANK"
	EnvSize = "OMPI_COMM_WORLD_SIZE"
)

var (
	ErrNotMPI      = errors.New("shard: not running under mpirun")
	ErrInvalidRank = errors.New("shard: invalid rank or world size")
	ErrNoMatches   = errors.New("shard: input pattern matched no files")
)

// Assignment maps one input shard to the rank that processes it
type Assignment struct {
	Rank   int    `json:"rank"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

func check(rank, size int) error {
	if size < 1 || rank < 0 || rank >= size {
		return fmt.Errorf("%w: rank=%d size=%d", ErrInvalidRank, rank, size)
	}
	return nil
}

// Assign returns the files handled by rank out of size ranks
func Assign(files []string, rank, size int) ([]string, error) {
	if err := check(rank, size); err != nil {
		return nil, err
	}

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	var mine []string
	for i := rank; i < len(sorted); i += size {
		mine = append(mine, sorted[i])
	}
	return mine, nil
}

// OutputPath keeps the input's base name under outDir
func OutputPath(outDir, input string) string {
	return filepath.Join(outDir, filepath.Base(input))
}

// Plan expands pattern and assigns every match to a rank. The result is
// ordered by rank, then by file name.
func Plan(pattern, outDir string, size int) ([]Assignment, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: size=%d", ErrInvalidRank, size)
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatches, pattern)
	}

	var plan []Assignment
	for rank := 0; rank < size; rank++ {
		mine, _ := Assign(files, rank, size)
		for _, in := range mine {
			plan = append(plan, Assignment{Rank: rank, Input: in, Output: OutputPath(outDir, in)})
		}
	}
	return plan, nil
}

// ForRank expands pattern and returns only the given rank's assignments
func ForRank(pattern, outDir string, rank, size int) ([]Assignment, error) {
	if err := check(rank, size); err != nil {
		return nil, err
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	mine, err := Assign(files, rank, size)
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, len(mine))
	for _, in := range mine {
		out = append(out, Assignment{Rank: rank, Input: in, Output: OutputPath(outDir, in)})
	}
	return out, nil
}

// Counts returns how many files each rank receives
func Counts(plan []Assignment, size int) []int {
	counts := make([]int, size)
	for _, a := range plan {
		if a.Rank >= 0 && a.Rank < size {
			counts[a.Rank]++
		}
	}
	return counts
}

// FromEnv reads the rank and world size mpirun exported to this process
func FromEnv() (rank, size int, err error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (int, int, error) {
	r, okR := lookup(EnvRank)
	s, okS := lookup(EnvSize)
	if !okR || !okS {
		return 0, 0, ErrNotMPI
	}
	rank, err := strconv.Atoi(r)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s=%q", ErrInvalidRank, EnvRank, r)
	}
	size, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s=%q", ErrInvalidRank, EnvSize, s)
	}
	if err := check(rank, size); err != nil {
		return 0, 0, err
	}
	return rank, size, nil
}
