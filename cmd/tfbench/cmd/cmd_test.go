package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/models"
	"github.com/tfbench/tf-bench-util/pkg/store"
)

// resetFlags clears flag state left over from a previous Execute
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := executeContext(context.Background())
	return out.String(), err
}

type workspace struct {
	dir     string
	scratch string
	config  string
}

// newWorkspace writes a config rooted in a temp directory. extra is appended
// to the YAML verbatim.
func newWorkspace(t *testing.T, extra string) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:     dir,
		scratch: filepath.Join(dir, "scratch"),
		config:  filepath.Join(dir, "tfbench.yaml"),
	}
	yaml := fmt.Sprintf(`scratch_dir: %s
data_dir: %s
scripts_dir: /scripts
history:
  dsn: sqlite://%s
`, w.scratch, filepath.Join(dir, "data"), filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(w.config, []byte(yaml+extra), 0644))
	return w
}

func TestResizeDryRun(t *testing.T) {
	w := newWorkspace(t, "")
	out, err := run(t, "--config", w.config, "--dry-run", "--hosts", "node1,node2", "resize", "--np", "8")
	require.NoError(t, err)

	assert.Contains(t, out, "mpirun --allow-run-as-root -np 8 -H node1,node2")
	assert.Contains(t, out, "-x CUDA_VISIBLE_DEVICES=")
	assert.Contains(t, out, "/scripts/resize_tfrecords_mpi.py -i '"+filepath.Join(w.dir, "data")+"/train-*'")

	_, statErr := os.Stat(w.scratch)
	assert.True(t, os.IsNotExist(statErr), "dry run must not create directories")
}

func TestExpandDryRunDefaults(t *testing.T) {
	w := newWorkspace(t, "")
	out, err := run(t, "--config", w.config, "--dry-run", "expand", "--copies", "4", "--np", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "-o "+filepath.Join(w.scratch, "tfrecords-4x")+" --num_copies 4")
	assert.Contains(t, out, "-i "+filepath.Join(w.scratch, "tfrecords1729"))
}

func TestBenchmarkDryRunPassesExtraArgs(t *testing.T) {
	w := newWorkspace(t, "")
	out, err := run(t, "--config", w.config, "--dry-run", "--hosts", "node1,node2",
		"benchmark", "--model", "vgg16", "--npernode", "4", "--", "--batch_size", "64")
	require.NoError(t, err)
	assert.Equal(t, "python3 /scripts/run_benchmark.py --model vgg16 -np 8 -npernode 4 -H node1,node2 --batch_size 64\n", out)
}

func TestLaunchPropagatesExitCodeAndRecordsHistory(t *testing.T) {
	w := newWorkspace(t, "")
	fake := filepath.Join(w.dir, "fake-mpirun")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho \"ranks: $3\"\nexit 3\n"), 0755))

	// Append the binary override to the config file.
	f, err := os.OpenFile(w.config, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	fmt.Fprintf(f, "mpi:\n  binary: %s\n", fake)
	f.Close()

	out, err := run(t, "--config", w.config, "resize", "--np", "2")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, out, "ranks: 2")

	fi, statErr := os.Stat(filepath.Join(w.scratch, "tfrecords1729"))
	require.NoError(t, statErr, "output directory must be created")
	assert.True(t, fi.IsDir())

	out, err = run(t, "--config", w.config, "--output", "json", "history", "list", "--kind", "resize")
	require.NoError(t, err)

	var body struct {
		Runs []struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			ExitCode int    `json:"exit_code"`
			Command  string `json:"command"`
		} `json:"runs"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body), out)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "failed", body.Runs[0].Status)
	assert.Equal(t, 3, body.Runs[0].ExitCode)
	assert.True(t, strings.HasPrefix(body.Runs[0].Command, fake))

	out, err = run(t, "--config", w.config, "history", "show", body.Runs[0].ID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, body.Runs[0].Command)
}

func TestFailedLaunchClosesLogFile(t *testing.T) {
	w := newWorkspace(t, "")
	fake := filepath.Join(w.dir, "fake-mpirun")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\nexit 2\n"), 0755))
	f, err := os.OpenFile(w.config, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	fmt.Fprintf(f, "mpi:\n  binary: %s\n", fake)
	f.Close()

	_, err = run(t, "--config", w.config, "resize", "--np", "1")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)

	// A closed logger falls back to stdout and leaves the file alone.
	logger.Info("written after close")
	data, err := os.ReadFile(logging.LogPath(filepath.Join(w.scratch, "logs"), "tfbench"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Launch failed")
	assert.NotContains(t, string(data), "written after close")
}

func TestHistoryPrune(t *testing.T) {
	w := newWorkspace(t, "")
	st, err := store.Open("sqlite://" + filepath.Join(w.dir, "history.db"))
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{"old-run", "new-run"} {
		r := &models.Run{ID: id, Kind: "resize", Command: "mpirun", Status: models.RunStatusRunning, StartedAt: time.Now()}
		if id == "old-run" {
			r.StartedAt = old
		}
		require.NoError(t, st.CreateRun(context.Background(), r))
		require.NoError(t, st.FinishRun(context.Background(), id, models.RunStatusSucceeded, 0, r.StartedAt.Add(time.Minute), ""))
	}
	require.NoError(t, st.Close())

	_, err = run(t, "--config", w.config, "history", "prune")
	assert.Error(t, err, "no cutoff configured")

	out, err := run(t, "--config", w.config, "history", "prune", "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 1 run(s)")

	out, err = run(t, "--config", w.config, "--output", "json", "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "new-run")
	assert.NotContains(t, out, "old-run")
}

func TestShardForRank(t *testing.T) {
	w := newWorkspace(t, "")
	data := filepath.Join(w.dir, "data")
	require.NoError(t, os.MkdirAll(data, 0755))
	for _, name := range []string{"train-00000", "train-00001", "train-00002", "train-00003", "validation-00000"} {
		require.NoError(t, os.WriteFile(filepath.Join(data, name), nil, 0644))
	}

	out, err := run(t, "--config", w.config, "shard", "--rank", "1", "--size", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, filepath.Join(data, "train-00001")+"\t"+filepath.Join(w.scratch, "tfrecords1729", "train-00001"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], filepath.Join(data, "train-00003")))
}

func TestShardOutsideMPI(t *testing.T) {
	w := newWorkspace(t, "")
	t.Setenv("OMPI_COMM_WORLD_RANK", "")
	t.Setenv("OMPI_COMM_WORLD_SIZE", "")
	os.Unsetenv("OMPI_COMM_WORLD_RANK")
	os.Unsetenv("OMPI_COMM_WORLD_SIZE")

	_, err := run(t, "--config", w.config, "shard")
	assert.Error(t, err)
}

func TestContainersDryRun(t *testing.T) {
	w := newWorkspace(t, "")
	out, err := run(t, "--config", w.config, "--dry-run", "--hosts", "node1,node2", "containers", "start")
	require.NoError(t, err)

	assert.Contains(t, out, "node1: docker stop tf\n")
	assert.Contains(t, out, "node2: nvidia-docker run --rm --detach --privileged")
	assert.Contains(t, out, "--name tf user/tensorflow:19.01-py3-custom bash -c '/usr/sbin/sshd ; sleep infinity'")
}

func TestContainersRequireHosts(t *testing.T) {
	w := newWorkspace(t, "")
	_, err := run(t, "--config", w.config, "containers", "stop")
	assert.True(t, errors.Is(err, ErrNoHosts))
}

func TestConfigShow(t *testing.T) {
	w := newWorkspace(t, "benchmark:\n  model: inception3\n")
	out, err := run(t, "--config", w.config, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# loaded from "+w.config)
	assert.Contains(t, out, "model: inception3")
	assert.Contains(t, out, "scratch_dir: "+w.scratch)
}

func TestInvalidConfigRejected(t *testing.T) {
	w := newWorkspace(t, "containers:\n  transport: telnet\n")
	_, err := run(t, "--config", w.config, "config", "show")
	assert.Error(t, err)
}

func TestServeFailsWithoutHistory(t *testing.T) {
	w := newWorkspace(t, "")
	t.Setenv("TFBENCH_HISTORY_DSN", "mysql://nowhere/tfbench")
	_, err := run(t, "--config", w.config, "serve", "--addr", "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open history")
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 60))
	long := strings.Repeat("é", 70)
	got := truncate(long, 60)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 60, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
