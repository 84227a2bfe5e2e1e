package jobs

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tfbench/tf-bench-util/pkg/mpi"
)

// Kind identifies a launch recipe
type Kind string

const (
	KindResize    Kind = "resize"
	KindExpand    Kind = "expand"
	KindBenchmark Kind = "benchmark"
)

// Script names of the external programs each recipe drives
const (
	ResizeScript    = "resize_tfrecords_mpi.py"
	ExpandScript    = "expand_tfrecords_mpi.py"
	BenchmarkScript = "run_benchmark.py"
)

var (
	ErrNoInput  = errors.New("jobs: input is required")
	ErrNoModel  = errors.New("jobs: model is required")
	ErrBadCount = errors.New("jobs: copy count must be at least 1")
)

// Plan is a fully rendered launch, ready for the runner
type Plan struct {
	Kind      Kind     `json:"kind"`
	OutputDir string   `json:"output_dir,omitempty"`
	Argv      []string `json:"argv"`
	Rendered  string   `json:"rendered"`
	LogFile   string   `json:"log_file,omitempty"`
	Hosts     []string `json:"hosts,omitempty"`
	Env       []string `json:"env,omitempty"`
}

// Dirs lists directories that must exist before the plan runs
func (p *Plan) Dirs() []string {
	var dirs []string
	if p.OutputDir != "" {
		dirs = append(dirs, p.OutputDir)
	}
	if p.LogFile != "" {
		dirs = append(dirs, filepath.Dir(p.LogFile))
	}
	return dirs
}

// MPIOptions carries the cluster-wide mpirun settings shared by the MPI recipes
type MPIOptions struct {
	Binary         string
	Hosts          []string
	BindTo         string
	MapBy          string
	AllowRunAsRoot bool
	Env            []string
	SSHPort        int
	MCA            map[string]string
}

func (o MPIOptions) launch(np int, program []string, extra ...mpi.EnvVar) *mpi.Launch {
	return &mpi.Launch{
		Binary:         o.Binary,
		NP:             np,
		Hosts:          o.Hosts,
		BindTo:         o.BindTo,
		MapBy:          o.MapBy,
		AllowRunAsRoot: o.AllowRunAsRoot,
		Env:            append(mpi.Passthrough(o.Env...), extra...),
		SSHPort:        o.SSHPort,
		MCA:            o.MCA,
		Program:        program,
	}
}

// ResizeOutputDir is where resized shards land under the scratch directory
func ResizeOutputDir(scratch string) string {
	return filepath.Join(scratch, "tfrecords1729")
}

// ExpandOutputDir is where replicated shards land for a given copy count
func ExpandOutputDir(scratch string, copies int) string {
	return filepath.Join(scratch, fmt.Sprintf("tfrecords-%dx", copies))
}

// BenchmarkLogFile is the append-only benchmark log under the scratch directory
func BenchmarkLogFile(scratch string) string {
	return filepath.Join(scratch, "logs", "run_benchmark.log")
}

func script(python, dir, name string) []string {
	path := filepath.Join(dir, name)
	if python == "" {
		return []string{path}
	}
	return []string{python, path}
}

// ResizeOptions configures the resize launch
type ResizeOptions struct {
	MPI        MPIOptions
	Python     string
	ScriptsDir string
	InputGlob  string
	OutputDir  string
	NP         int
}

// Resize renders the TFRecord resize launch. GPUs are hidden from every rank
// since resizing runs on CPU only.
func Resize(o ResizeOptions) (*Plan, error) {
	if o.InputGlob == "" || o.OutputDir == "" {
		return nil, ErrNoInput
	}

	program := append(script(o.Python, o.ScriptsDir, ResizeScript),
		"-i", o.InputGlob,
		"-o", o.OutputDir,
	)
	l := o.MPI.launch(o.NP, program, mpi.Force("CUDA_VISIBLE_DEVICES", ""))

	return finish(KindResize, l, o.OutputDir)
}

// ExpandOptions configures the expand launch
type ExpandOptions struct {
	MPI        MPIOptions
	Python     string
	ScriptsDir string
	ScratchDir string
	InputDir   string
	OutputDir  string
	Copies     int
	NP         int
}

// Expand renders the TFRecord replication launch. An empty OutputDir
// defaults to tfrecords-<copies>x under the scratch directory.
func Expand(o ExpandOptions) (*Plan, error) {
	if o.InputDir == "" {
		return nil, ErrNoInput
	}
	if o.Copies < 1 {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, o.Copies)
	}
	if o.OutputDir == "" {
		o.OutputDir = ExpandOutputDir(o.ScratchDir, o.Copies)
	}

	program := append(script(o.Python, o.ScriptsDir, ExpandScript),
		"-i", o.InputDir,
		"-o", o.OutputDir,
		"--num_copies", strconv.Itoa(o.Copies),
	)

	return finish(KindExpand, o.MPI.launch(o.NP, program), o.OutputDir)
}

func finish(kind Kind, l *mpi.Launch, outDir string) (*Plan, error) {
	argv, err := l.Argv()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s launch: %w", kind, err)
	}
	return &Plan{
		Kind:      kind,
		OutputDir: outDir,
		Argv:      argv,
		Rendered:  mpi.Render(argv),
		Hosts:     l.Hosts,
	}, nil
}

// BenchmarkOptions configures the benchmark run
type BenchmarkOptions struct {
	Python     string
	ScriptsDir string
	Model      string
	NP         int
	NPerNode   int
	Hosts      []string
	LogFile    string
	Extra      []string
}

// Benchmark renders the benchmark invocation. run_benchmark.py drives mpirun
// itself, so it is started directly and its output appended to LogFile.
func Benchmark(o BenchmarkOptions) (*Plan, error) {
	if strings.TrimSpace(o.Model) == "" {
		return nil, ErrNoModel
	}
	if o.NP < 0 || o.NPerNode < 0 {
		return nil, fmt.Errorf("%w: np=%d npernode=%d", mpi.ErrInvalidProcs, o.NP, o.NPerNode)
	}

	np := o.NP
	if np == 0 && o.NPerNode > 0 && len(o.Hosts) > 0 {
		np = o.NPerNode * len(o.Hosts)
	}

	argv := append(script(o.Python, o.ScriptsDir, BenchmarkScript), "--model", o.Model)
	if np > 0 {
		argv = append(argv, "-np", strconv.Itoa(np))
	}
	if o.NPerNode > 0 {
		argv = append(argv, "-npernode", strconv.Itoa(o.NPerNode))
	}
	if len(o.Hosts) > 0 {
		argv = append(argv, "-H", strings.Join(o.Hosts, ","))
	}
	argv = append(argv, o.Extra...)

	return &Plan{
		Kind:     KindBenchmark,
		Argv:     argv,
		Rendered: mpi.Render(argv),
		LogFile:  o.LogFile,
		Hosts:    o.Hosts,
	}, nil
}
