// Package config defines the run configuration of a federated simulation.
//
// Values are resolved in three layers: Default, then an optional YAML file,
// then environment overrides. Command-line flags are applied on top by the
// CLI. Validate reports the first invalid field as a
// *fl.ConfigurationError.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/flsim/internal/aggregator"
	"github.com/dreamware/flsim/internal/fl"
	"github.com/dreamware/flsim/internal/selector"
	"github.com/dreamware/flsim/internal/shard"
)

// Environment variables read by Resolve.
const (
	EnvConfig     = "FLSIM_CONFIG"
	EnvLogLevel   = "FLSIM_LOG_LEVEL"
	EnvLogFormat  = "FLSIM_LOG_FORMAT"
	EnvStatusAddr = "FLSIM_STATUS_ADDR"
	EnvDataPath   = "FLSIM_DATA_PATH"
	EnvSeed       = "FLSIM_SEED"
)

// Synthetic shapes the generated dataset used when no data path is set.
type Synthetic struct {
	Samples  int     `yaml:"samples"`
	Features int     `yaml:"features"`
	Classes  int     `yaml:"classes"`
	Spread   float64 `yaml:"spread"`
}

// Config is the full configuration surface of a run.
type Config struct {
	// Federation
	Clients    int     `yaml:"clients"`
	FLRounds   int     `yaml:"fl_rounds"` // Rounds 0..FLRounds are run
	Fraction   float64 `yaml:"fraction"`
	Aggregator string  `yaml:"aggregator"`
	Selector   string  `yaml:"selector"`
	Seed       uint64  `yaml:"seed"`

	// Local training
	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Criterion    string  `yaml:"criterion"`
	Device       string  `yaml:"device"`
	HiddenLayers []int   `yaml:"hidden_layers"`

	// Data
	DataPath          string    `yaml:"data_path"`
	CSVDelimiter      string    `yaml:"csv_delimiter"`
	TargetColumn      string    `yaml:"target_column"`
	TestFraction      float64   `yaml:"test_fraction"`
	ShardTestFraction float64   `yaml:"shard_test_fraction"`
	Partition         string    `yaml:"partition"`
	DirichletAlpha    float64   `yaml:"dirichlet_alpha"`
	Synthetic         Synthetic `yaml:"synthetic"`

	// Strategy options
	PoolSize     int     `yaml:"pool_size"`     // power-of-choice candidates
	NumSelect    int     `yaml:"num_select"`    // power-of-choice picks
	NumClusters  int     `yaml:"num_clusters"`  // cluster selector
	TrimFraction float64 `yaml:"trim_fraction"` // trimmed-mean aggregator

	// Execution
	Workers                int           `yaml:"workers"`
	RoundTimeout           time.Duration `yaml:"round_timeout"`
	TrainRetries           int           `yaml:"train_retries"`
	RetryInterval          time.Duration `yaml:"retry_interval"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BenchRounds            int           `yaml:"bench_rounds"`

	// Outputs
	CheckpointDir string `yaml:"checkpoint_dir"`
	Resume        bool   `yaml:"resume"`
	ResultsPath   string `yaml:"results_path"`
	StatusAddr    string `yaml:"status_addr"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

// Default returns the configuration of the reference six-client non-IID
// experiment.
func Default() Config {
	return Config{
		Clients:    6,
		FLRounds:   5,
		Fraction:   0.5,
		Aggregator: "fedavg",
		Selector:   "random",
		Seed:       42,

		BatchSize:    32,
		Epochs:       5,
		LearningRate: 0.01,
		Momentum:     0.9,
		Criterion:    "cross_entropy",
		Device:       "cpu",
		HiddenLayers: []int{64, 32},

		CSVDelimiter:      ";",
		TargetColumn:      "Target",
		TestFraction:      0.2,
		ShardTestFraction: 0.2,
		Partition:         string(shard.StrategyDirichlet),
		DirichletAlpha:    0.5,
		Synthetic: Synthetic{
			Samples:  1200,
			Features: 36,
			Classes:  3,
			Spread:   1.5,
		},

		PoolSize:     6,
		NumSelect:    3,
		NumClusters:  3,
		TrimFraction: 0.1,

		Workers:                1,
		RetryInterval:          50 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		BenchRounds:            2,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads path, or the file named by FLSIM_CONFIG when path is
// empty, or the defaults when neither is set, and then applies environment
// overrides.
func Resolve(path string) (Config, error) {
	if path == "" {
		path = getenv(EnvConfig, "")
	}
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.applyEnv()
}

func (c *Config) applyEnv() error {
	c.LogLevel = getenv(EnvLogLevel, c.LogLevel)
	c.LogFormat = getenv(EnvLogFormat, c.LogFormat)
	c.StatusAddr = getenv(EnvStatusAddr, c.StatusAddr)
	c.DataPath = getenv(EnvDataPath, c.DataPath)
	if v := getenv(EnvSeed, ""); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fl.Configf("seed", "%s=%q is not an unsigned integer", EnvSeed, v)
		}
		c.Seed = seed
	}
	return nil
}

// Rounds is the number of rounds a run executes: 0..FLRounds inclusive.
func (c Config) Rounds() int {
	return c.FLRounds + 1
}

// SelectorConfig maps the strategy options to a selector.Config.
func (c Config) SelectorConfig(numClasses int) selector.Config {
	return selector.Config{
		Name:        c.Selector,
		Fraction:    c.Fraction,
		NumSelect:   c.NumSelect,
		PoolSize:    c.PoolSize,
		NumClusters: c.NumClusters,
		NumClasses:  numClasses,
	}
}

// AggregatorOptions maps the strategy options to aggregator.Options.
func (c Config) AggregatorOptions() aggregator.Options {
	return aggregator.Options{TrimFraction: c.TrimFraction}
}

// Delimiter returns the CSV delimiter as a rune.
func (c Config) Delimiter() rune {
	if c.CSVDelimiter == `\t` {
		return '\t'
	}
	r := []rune(c.CSVDelimiter)
	if len(r) == 0 {
		return ';'
	}
	return r[0]
}

// Validate checks every field and returns the first problem found.
func (c Config) Validate() error {
	switch {
	case c.Clients < 1:
		return fl.Configf("clients", "must be at least 1, got %d", c.Clients)
	case c.FLRounds < 0:
		return fl.Configf("fl_rounds", "must not be negative, got %d", c.FLRounds)
	case !(c.Fraction > 0 && c.Fraction <= 1):
		return fl.Configf("fraction", "must be in (0, 1], got %v", c.Fraction)
	case c.BatchSize < 0:
		return fl.Configf("batch_size", "must not be negative, got %d", c.BatchSize)
	case c.Epochs < 1:
		return fl.Configf("epochs", "must be at least 1, got %d", c.Epochs)
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return fl.Configf("learning_rate", "must be positive, got %v", c.LearningRate)
	case c.Momentum < 0 || c.Momentum >= 1:
		return fl.Configf("momentum", "must be in [0, 1), got %v", c.Momentum)
	case c.WeightDecay < 0:
		return fl.Configf("weight_decay", "must not be negative, got %v", c.WeightDecay)
	case c.TestFraction <= 0 || c.TestFraction >= 1:
		return fl.Configf("test_fraction", "must be in (0, 1), got %v", c.TestFraction)
	case c.ShardTestFraction < 0 || c.ShardTestFraction >= 1:
		return fl.Configf("shard_test_fraction", "must be in [0, 1), got %v", c.ShardTestFraction)
	case c.Workers < 1:
		return fl.Configf("workers", "must be at least 1, got %d", c.Workers)
	case c.RoundTimeout < 0:
		return fl.Configf("round_timeout", "must not be negative, got %v", c.RoundTimeout)
	case c.TrainRetries < 0:
		return fl.Configf("train_retries", "must not be negative, got %d", c.TrainRetries)
	case c.MaxConsecutiveFailures < 0:
		return fl.Configf("max_consecutive_failures", "must not be negative, got %d", c.MaxConsecutiveFailures)
	case c.BenchRounds < 0:
		return fl.Configf("bench_rounds", "must not be negative, got %d", c.BenchRounds)
	case c.MaxConsecutiveFailures > 0 && c.BenchRounds < 1:
		return fl.Configf("bench_rounds", "must be at least 1 when max_consecutive_failures is set, got %d", c.BenchRounds)
	case c.Resume && c.CheckpointDir == "":
		return fl.Configf("resume", "requires checkpoint_dir")
	}

	for _, h := range c.HiddenLayers {
		if h < 1 {
			return fl.Configf("hidden_layers", "layer widths must be positive, got %v", c.HiddenLayers)
		}
	}
	switch strings.ToLower(c.Device) {
	case "cpu", "cuda", "":
	default:
		return fl.Configf("device", "unknown device %q", c.Device)
	}
	switch c.LogFormat {
	case "text", "json", "":
	default:
		return fl.Configf("log_format", "must be text or json, got %q", c.LogFormat)
	}
	if _, err := shard.ParseStrategy(c.Partition); err != nil {
		return fl.Configf("partition", "%v", err)
	}
	if c.Partition == string(shard.StrategyDirichlet) && !(c.DirichletAlpha > 0) {
		return fl.Configf("dirichlet_alpha", "must be positive, got %v", c.DirichletAlpha)
	}
	if c.DataPath == "" {
		s := c.Synthetic
		if s.Samples < c.Clients || s.Features < 1 || s.Classes < 2 {
			return fl.Configf("synthetic", "needs samples>=clients, features>=1 and classes>=2, got %+v", s)
		}
	}

	// Strategy names and options are checked by their own factories.
	if _, err := selector.New(c.SelectorConfig(max(c.Synthetic.Classes, 1)), nil); err != nil {
		return err
	}
	if _, err := aggregator.New(c.Aggregator, c.AggregatorOptions(), nil); err != nil {
		return err
	}
	return nil
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
