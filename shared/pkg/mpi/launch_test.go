package mpi

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func resizeLaunch() *Launch {
	return &Launch{
		Binary:         "mpirun",
		NP:             8,
		Hosts:          []string{"node1", "node2"},
		BindTo:         "none",
		MapBy:          "slot",
		AllowRunAsRoot: true,
		Env: append(Passthrough("LD_LIBRARY_PATH", "PATH"),
			Force("CUDA_VISIBLE_DEVICES", "")),
		SSHPort: 2222,
		MCA:     map[string]string{"pml": "ob1", "btl": "^openib"},
		Program: []string{
			"python3", "/scripts/resize_tfrecords_mpi.py",
			"-i", "/imagenet-data/train-*",
			"-o", "/imagenet-scratch/tfrecords1729",
		},
	}
}

func TestLaunchGolden(t *testing.T) {
	g := newGolden(t)

	g.Assert(t, "resize_launch", []byte(resizeLaunch().String()+"\n"))

	minimal := &Launch{NP: 4, Program: []string{"python3", "app.py"}}
	g.Assert(t, "minimal_launch", []byte(minimal.String()+"\n"))
}

func TestArgvFlags(t *testing.T) {
	argv, err := resizeLaunch().Argv()
	require.NoError(t, err)

	assert.Equal(t, "mpirun", argv[0])
	assert.Contains(t, argv, "--allow-run-as-root")
	assert.Subset(t, argv, []string{"-np", "8", "-H", "node1,node2", "-bind-to", "none"})
	assert.Contains(t, argv, "CUDA_VISIBLE_DEVICES=")
	assert.Contains(t, argv, "-p 2222")
	assert.Equal(t, "/imagenet-scratch/tfrecords1729", argv[len(argv)-1])
}

func TestArgvOmitsUnsetFlags(t *testing.T) {
	l := &Launch{Program: []string{"hostname"}}
	argv, err := l.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"mpirun", "hostname"}, argv)
}

func TestArgvSSHPortOverridesMCA(t *testing.T) {
	l := &Launch{
		SSHPort: 2222,
		MCA:     map[string]string{"plm_rsh_args": "-p 22"},
		Program: []string{"hostname"},
	}
	argv, err := l.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"mpirun", "-mca", "plm_rsh_args", "-p 2222", "hostname"}, argv)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		l    Launch
		want error
	}{
		{"no program", Launch{NP: 1}, ErrNoProgram},
		{"negative np", Launch{NP: -1, Program: []string{"x"}}, ErrInvalidProcs},
		{"negative npernode", Launch{NPerNode: -2, Program: []string{"x"}}, ErrInvalidProcs},
		{"bad env", Launch{Env: []EnvVar{{Name: "1BAD"}}, Program: []string{"x"}}, ErrInvalidEnv},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.l.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}

	bad := Launch{SSHPort: 70000, Program: []string{"x"}}
	assert.Error(t, bad.Validate())
	assert.Equal(t, "", bad.String())
}

func TestParseHosts(t *testing.T) {
	assert.Equal(t, []string{"dgx1", "dgx2:8", "dgx3"}, ParseHosts(" dgx1, dgx2:8\tdgx3,,"))
	assert.Empty(t, ParseHosts(""))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, "/a/b-c_d.e", Quote("/a/b-c_d.e"))
	assert.Equal(t, "'a b'", Quote("a b"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
	assert.Equal(t, "echo 'a;b'", Render([]string{"echo", "a;b"}))
}
