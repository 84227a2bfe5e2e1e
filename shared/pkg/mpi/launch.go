package mpi

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNoProgram is returned when a launch has nothing to run on the ranks
	ErrNoProgram = errors.New("mpi: no program to launch")
	// ErrInvalidProcs is returned for negative process counts
	ErrInvalidProcs = errors.New("mpi: invalid process count")
	// ErrInvalidEnv is returned for environment names mpirun cannot forward
	ErrInvalidEnv = errors.New("mpi: invalid environment variable name")
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvVar is one -x entry. When Set is false the variable is forwarded from the
// launching environment; when true it is forced to Value (which may be empty).
type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	Set   bool   `json:"set,omitempty" yaml:"set,omitempty"`
}

// Passthrough returns forwarded env entries for the given names
func Passthrough(names ...string) []EnvVar {
	vars := make([]EnvVar, 0, len(names))
	for _, n := range names {
		vars = append(vars, EnvVar{Name: n})
	}
	return vars
}

// Force returns an env entry that overrides the variable on every rank
func Force(name, value string) EnvVar {
	return EnvVar{Name: name, Value: value, Set: true}
}

// Launch describes a single mpirun invocation
type Launch struct {
	Binary         string
	NP             int
	NPerNode       int
	Hosts          []string
	BindTo         string
	MapBy          string
	AllowRunAsRoot bool
	Env            []EnvVar
	SSHPort        int
	MCA            map[string]string
	Program        []string
}

// Validate checks the launch for values mpirun would reject
func (l *Launch) Validate() error {
	if len(l.Program) == 0 || l.Program[0] == "" {
		return ErrNoProgram
	}
	if l.NP < 0 {
		return fmt.Errorf("%w: np=%d", ErrInvalidProcs, l.NP)
	}
	if l.NPerNode < 0 {
		return fmt.Errorf("%w: npernode=%d", ErrInvalidProcs, l.NPerNode)
	}
	for _, e := range l.Env {
		if !envNamePattern.MatchString(e.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidEnv, e.Name)
		}
	}
	if l.SSHPort < 0 || l.SSHPort > 65535 {
		return fmt.Errorf("mpi: ssh port out of range: %d", l.SSHPort)
	}
	return nil
}

// Argv builds the full mpirun argument vector. Flag order is fixed so rendered
// command lines are stable across runs.
func (l *Launch) Argv() ([]string, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	binary := l.Binary
	if binary == "" {
		binary = "mpirun"
	}
	argv := []string{binary}

	if l.AllowRunAsRoot {
		argv = append(argv, "--allow-run-as-root")
	}
	if l.NP > 0 {
		argv = append(argv, "-np", strconv.Itoa(l.NP))
	}
	if l.NPerNode > 0 {
		argv = append(argv, "-npernode", strconv.Itoa(l.NPerNode))
	}
	if len(l.Hosts) > 0 {
		argv = append(argv, "-H", strings.Join(l.Hosts, ","))
	}
	if l.BindTo != "" {
		argv = append(argv, "-bind-to", l.BindTo)
	}
	if l.MapBy != "" {
		argv = append(argv, "-map-by", l.MapBy)
	}
	for _, e := range l.Env {
		if e.Set {
			argv = append(argv, "-x", e.Name+"="+e.Value)
		} else {
			argv = append(argv, "-x", e.Name)
		}
	}
	if l.SSHPort > 0 {
		argv = append(argv, "-mca", "plm_rsh_args", fmt.Sprintf("-p %d", l.SSHPort))
	}

	keys := make([]string, 0, len(l.MCA))
	for k := range l.MCA {
		if k == "plm_rsh_args" && l.SSHPort > 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "-mca", k, l.MCA[k])
	}

	return append(argv, l.Program...), nil
}

// String renders the launch as a single shell line. Invalid launches render
// as an empty string.
func (l *Launch) String() string {
	argv, err := l.Argv()
	if err != nil {
		return ""
	}
	return Render(argv)
}

// ParseHosts splits a host list separated by commas or whitespace. Entries are
// kept verbatim, so "node1:4" slot syntax passes through to mpirun.
func ParseHosts(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	hosts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			hosts = append(hosts, f)
		}
	}
	return hosts
}
