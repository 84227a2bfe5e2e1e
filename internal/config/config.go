// Package config loads tfbench settings from a YAML file, TFBENCH_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tfbench/tf-bench-util/pkg/containers"
	"github.com/tfbench/tf-bench-util/pkg/jobs"
	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/mpi"
	"github.com/tfbench/tf-bench-util/pkg/remote"
	"github.com/tfbench/tf-bench-util/pkg/retry"
)

// EnvPrefix prefixes every environment override, e.g. TFBENCH_MPI_SSH_PORT
const EnvPrefix = "TFBENCH"

// Container transports
const (
	TransportOpenSSH = "openssh"
	TransportNative  = "native"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete tfbench configuration
type Config struct {
	ScratchDir string   `mapstructure:"scratch_dir" yaml:"scratch_dir"`
	DataDir    string   `mapstructure:"data_dir" yaml:"data_dir"`
	ScriptsDir string   `mapstructure:"scripts_dir" yaml:"scripts_dir"`
	Python     string   `mapstructure:"python" yaml:"python"`
	Hosts      []string `mapstructure:"hosts" yaml:"hosts"`

	MPI        MPIConfig        `mapstructure:"mpi" yaml:"mpi"`
	Resize     ResizeConfig     `mapstructure:"resize" yaml:"resize"`
	Expand     ExpandConfig     `mapstructure:"expand" yaml:"expand"`
	Benchmark  BenchmarkConfig  `mapstructure:"benchmark" yaml:"benchmark"`
	Containers ContainersConfig `mapstructure:"containers" yaml:"containers"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Serve      ServeConfig      `mapstructure:"serve" yaml:"serve"`
}

// MPIConfig holds cluster-wide mpirun settings
type MPIConfig struct {
	Binary         string            `mapstructure:"binary" yaml:"binary"`
	SSHPort        int               `mapstructure:"ssh_port" yaml:"ssh_port"`
	BindTo         string            `mapstructure:"bind_to" yaml:"bind_to"`
	MapBy          string            `mapstructure:"map_by" yaml:"map_by"`
	AllowRunAsRoot bool              `mapstructure:"allow_run_as_root" yaml:"allow_run_as_root"`
	Env            []string          `mapstructure:"env" yaml:"env"`
	MCA            map[string]string `mapstructure:"mca" yaml:"mca,omitempty"`
}

type ResizeConfig struct {
	InputGlob string `mapstructure:"input_glob" yaml:"input_glob"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	NP        int    `mapstructure:"np" yaml:"np"`
}

type ExpandConfig struct {
	InputDir  string `mapstructure:"input_dir" yaml:"input_dir"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Copies    int    `mapstructure:"copies" yaml:"copies"`
	NP        int    `mapstructure:"np" yaml:"np"`
}

type BenchmarkConfig struct {
	Model    string `mapstructure:"model" yaml:"model"`
	NP       int    `mapstructure:"np" yaml:"np"`
	NPerNode int    `mapstructure:"npernode" yaml:"npernode"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`
}

// MountsConfig names the host directories mounted into the container
type MountsConfig struct {
	Scripts    string `mapstructure:"scripts" yaml:"scripts"`
	Benchmarks string `mapstructure:"benchmarks" yaml:"benchmarks"`
	Data       string `mapstructure:"data" yaml:"data"`
	Scratch    string `mapstructure:"scratch" yaml:"scratch"`
}

type ContainersConfig struct {
	Name      string       `mapstructure:"name" yaml:"name"`
	Image     string       `mapstructure:"image" yaml:"image"`
	Runtime   string       `mapstructure:"runtime" yaml:"runtime"`
	SSHPort   int          `mapstructure:"ssh_port" yaml:"ssh_port"`
	Parallel  int          `mapstructure:"parallel" yaml:"parallel"`
	RateLimit float64      `mapstructure:"rate_limit" yaml:"rate_limit"` // new SSH sessions per second, 0 = unlimited
	Transport string       `mapstructure:"transport" yaml:"transport"`
	Mounts    MountsConfig `mapstructure:"mounts" yaml:"mounts"`
	SSH       SSHConfig    `mapstructure:"ssh" yaml:"ssh"`
}

// SSHConfig is only used by the native transport
type SSHConfig struct {
	User                  string        `mapstructure:"user" yaml:"user,omitempty"`
	IdentityFiles         []string      `mapstructure:"identity_files" yaml:"identity_files,omitempty"`
	UseAgent              bool          `mapstructure:"use_agent" yaml:"use_agent"`
	KnownHosts            string        `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	Options               []string      `mapstructure:"options" yaml:"options,omitempty"` // openssh -o options
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

type HistoryConfig struct {
	DSN           string        `mapstructure:"dsn" yaml:"dsn"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"` // 0 keeps runs forever
	PruneInterval time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type ServeConfig struct {
	Addr      string  `mapstructure:"addr" yaml:"addr"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second per client, 0 = off
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// SetDefaults registers every key with its default. Keys derived from
// scratch_dir or data_dir default to "" and are filled in by Load.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scratch_dir", "/imagenet-scratch")
	v.SetDefault("data_dir", "/imagenet-data")
	v.SetDefault("scripts_dir", "/scripts")
	v.SetDefault("python", "python3")
	v.SetDefault("hosts", []string{})

	v.SetDefault("mpi.binary", "mpirun")
	v.SetDefault("mpi.ssh_port", 2222)
	v.SetDefault("mpi.bind_to", "none")
	v.SetDefault("mpi.map_by", "slot")
	v.SetDefault("mpi.allow_run_as_root", true)
	v.SetDefault("mpi.env", []string{"LD_LIBRARY_PATH", "PATH"})
	v.SetDefault("mpi.mca", map[string]string{})

	v.SetDefault("resize.input_glob", "")
	v.SetDefault("resize.output_dir", "")
	v.SetDefault("resize.np", 0)

	v.SetDefault("expand.input_dir", "")
	v.SetDefault("expand.output_dir", "")
	v.SetDefault("expand.copies", 2)
	v.SetDefault("expand.np", 0)

	v.SetDefault("benchmark.model", "resnet50")
	v.SetDefault("benchmark.np", 0)
	v.SetDefault("benchmark.npernode", 0)
	v.SetDefault("benchmark.log_file", "")

	v.SetDefault("containers.name", "tf")
	v.SetDefault("containers.image", "user/tensorflow:19.01-py3-custom")
	v.SetDefault("containers.runtime", "nvidia-docker")
	v.SetDefault("containers.ssh_port", 22)
	v.SetDefault("containers.parallel", containers.DefaultParallel)
	v.SetDefault("containers.rate_limit", 0)
	v.SetDefault("containers.transport", TransportOpenSSH)
	v.SetDefault("containers.mounts.scripts", "/mnt/isilon/data/tf-bench-util")
	v.SetDefault("containers.mounts.benchmarks", "/mnt/isilon/data/tensorflow-benchmarks")
	v.SetDefault("containers.mounts.data", "/mnt/isilon/data/imagenet-data")
	v.SetDefault("containers.mounts.scratch", "/mnt/isilon/data/imagenet-scratch")
	v.SetDefault("containers.ssh.user", "")
	v.SetDefault("containers.ssh.identity_files", []string{})
	v.SetDefault("containers.ssh.use_agent", true)
	v.SetDefault("containers.ssh.known_hosts", "")
	v.SetDefault("containers.ssh.insecure_ignore_host_key", false)
	v.SetDefault("containers.ssh.dial_timeout", 10*time.Second)
	v.SetDefault("containers.ssh.options", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.dir", "")

	v.SetDefault("history.dsn", "")
	v.SetDefault("history.retention", time.Duration(0))
	v.SetDefault("history.prune_interval", 24*time.Hour)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.environment", "")
	v.SetDefault("serve.addr", ":9400")
	v.SetDefault("serve.rate_limit", 0)
	v.SetDefault("serve.rate_burst", 20)
}

// New returns a viper instance with defaults and environment binding applied
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads path, or searches $HOME/.tfbench/config.yaml and
// ./tfbench.yaml when path is empty. A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".tfbench", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			v.SetConfigFile(candidate)
			return v.ReadInConfig()
		}
	}
	if _, err := os.Stat("tfbench.yaml"); err == nil {
		v.SetConfigFile("tfbench.yaml")
		return v.ReadInConfig()
	}
	return nil
}

// Load decodes v into a Config and resolves derived paths
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolve()
	return &cfg, nil
}

func (c *Config) resolve() {
	c.Hosts = parseHosts(c.Hosts)
	if c.Resize.InputGlob == "" {
		c.Resize.InputGlob = filepath.Join(c.DataDir, "train-*")
	}
	if c.Resize.OutputDir == "" {
		c.Resize.OutputDir = jobs.ResizeOutputDir(c.ScratchDir)
	}
	if c.Expand.InputDir == "" {
		c.Expand.InputDir = jobs.ResizeOutputDir(c.ScratchDir)
	}
	if c.Benchmark.LogFile == "" {
		c.Benchmark.LogFile = jobs.BenchmarkLogFile(c.ScratchDir)
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.ScratchDir, "logs")
	}
	if c.History.DSN == "" {
		c.History.DSN = "sqlite://" + filepath.Join(c.Log.Dir, "tfbench.db")
	}
}

// Hosts may arrive as one comma or space separated string from env or flags.
func parseHosts(in []string) []string {
	var out []string
	for _, h := range in {
		out = append(out, mpi.ParseHosts(h)...)
	}
	return out
}

// Validate checks value ranges
func (c *Config) Validate() error {
	for name, np := range map[string]int{
		"resize.np":          c.Resize.NP,
		"expand.np":          c.Expand.NP,
		"benchmark.np":       c.Benchmark.NP,
		"benchmark.npernode": c.Benchmark.NPerNode,
	} {
		if np < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidConfig, name, np)
		}
	}
	if c.Expand.Copies < 1 {
		return fmt.Errorf("%w: expand.copies must be at least 1, got %d", ErrInvalidConfig, c.Expand.Copies)
	}
	for name, port := range map[string]int{
		"mpi.ssh_port":        c.MPI.SSHPort,
		"containers.ssh_port": c.Containers.SSHPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s must be within 1..65535, got %d", ErrInvalidConfig, name, port)
		}
	}
	if c.Containers.Parallel < 1 {
		return fmt.Errorf("%w: containers.parallel must be at least 1, got %d", ErrInvalidConfig, c.Containers.Parallel)
	}
	if c.Containers.RateLimit < 0 {
		return fmt.Errorf("%w: containers.rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("%w: history.retention must not be negative", ErrInvalidConfig)
	}
	if c.History.Retention > 0 && c.History.PruneInterval <= 0 {
		return fmt.Errorf("%w: history.prune_interval must be positive when retention is set", ErrInvalidConfig)
	}
	if c.Serve.RateLimit < 0 {
		return fmt.Errorf("%w: serve.rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.Serve.RateLimit > 0 && c.Serve.RateBurst < 1 {
		return fmt.Errorf("%w: serve.rate_burst must be at least 1, got %d", ErrInvalidConfig, c.Serve.RateBurst)
	}
	switch c.Containers.Transport {
	case TransportOpenSSH, TransportNative:
	default:
		return fmt.Errorf("%w: unknown containers.transport %q (want %s or %s)",
			ErrInvalidConfig, c.Containers.Transport, TransportOpenSSH, TransportNative)
	}
	return nil
}

// MPIOptions converts the mpi section for the launch recipes
func (c *Config) MPIOptions() jobs.MPIOptions {
	return jobs.MPIOptions{
		Binary:         c.MPI.Binary,
		Hosts:          c.Hosts,
		BindTo:         c.MPI.BindTo,
		MapBy:          c.MPI.MapBy,
		AllowRunAsRoot: c.MPI.AllowRunAsRoot,
		Env:            c.MPI.Env,
		SSHPort:        c.MPI.SSHPort,
		MCA:            c.MPI.MCA,
	}
}

// ContainerConfig converts the containers section for the container manager
func (c *Config) ContainerConfig() containers.Config {
	m := c.Containers.Mounts
	return containers.Config{
		Name:    c.Containers.Name,
		Image:   c.Containers.Image,
		Runtime: c.Containers.Runtime,
		Mounts:  containers.DefaultMounts(m.Scripts, m.Benchmarks, m.Data, m.Scratch),
	}
}

// RetryPolicy is the backoff used for SSH dials and container starts
func (c *Config) RetryPolicy() retry.Config {
	r := retry.DefaultConfig()
	r.MaxRetries = 2
	return r
}

// Executor builds the remote executor selected by containers.transport
func (c *Config) Executor(logger *logging.Logger) remote.Executor {
	ssh := c.Containers.SSH
	if c.Containers.Transport == TransportNative {
		return &remote.Native{
			User:                  ssh.User,
			Port:                  c.Containers.SSHPort,
			IdentityFiles:         ssh.IdentityFiles,
			UseAgent:              ssh.UseAgent,
			KnownHostsFile:        ssh.KnownHosts,
			InsecureIgnoreHostKey: ssh.InsecureIgnoreHostKey,
			DialTimeout:           ssh.DialTimeout,
			Retry:                 c.RetryPolicy(),
			Logger:                logger,
		}
	}
	return &remote.OpenSSH{Port: c.Containers.SSHPort, Options: ssh.Options, Logger: logger}
}
