package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/flsim/internal/config"
	"github.com/dreamware/flsim/internal/runner"
	"github.com/dreamware/flsim/internal/status"
)

const smallConfig = `
clients: 4
fl_rounds: 1
fraction: 0.5
partition: iid
epochs: 1
hidden_layers: [4]
log_level: warn
synthetic:
  samples: 120
  features: 3
  classes: 2
  spread: 1
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallConfig), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{"environment variable set", "FLSIM_TEST_ENV_VAR", "test_value", "default", "test_value"},
		{"environment variable not set", "FLSIM_UNSET_ENV_VAR", "", "default_value", "default_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if got := getenv(tt.key, tt.def); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestRunCommand(t *testing.T) {
	results := filepath.Join(t.TempDir(), "results.csv")
	stdout, _, err := execute(t, "run", "-c", writeConfig(t), "--results", results)
	require.NoError(t, err)

	assert.Contains(t, stdout, "ROUND")
	assert.Contains(t, stdout, "Average accuracy:")
	assert.Contains(t, stdout, "Average F1:")
	assert.Contains(t, stdout, "Elapsed:")

	data, err := os.ReadFile(results)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3, "header plus rounds 0 and 1")
}

func TestRunCommandJSON(t *testing.T) {
	stdout, _, err := execute(t, "run", "-c", writeConfig(t), "--rounds", "2", "--selector", "accuracy", "--json")
	require.NoError(t, err)

	var sum runner.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	require.Len(t, sum.Rounds, 3, "flag overrides fl_rounds from the file")
	assert.NotEmpty(t, sum.RunID)
	assert.GreaterOrEqual(t, sum.AvgAccuracy, 0.0)
	assert.LessOrEqual(t, sum.AvgAccuracy, 1.0)
}

func TestRunCommandInvalidFlag(t *testing.T) {
	_, _, err := execute(t, "run", "-c", writeConfig(t), "--fraction", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fraction")

	_, _, err = execute(t, "run", "-c", writeConfig(t), "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log level")
}

func TestRunCommandMissingConfig(t *testing.T) {
	_, _, err := execute(t, "run", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFlagsOnlyOverrideWhenSet(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	var f runFlags
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--clients", "9", "--lr", "0.5"}))

	cfg := config.Default()
	cfg.Epochs = 11
	f.apply(cmd, &cfg)
	assert.Equal(t, 9, cfg.Clients)
	assert.Equal(t, 0.5, cfg.LearningRate)
	assert.Equal(t, 11, cfg.Epochs, "untouched flag keeps the file value")
}

func TestConfigCommand(t *testing.T) {
	stdout, _, err := execute(t, "config", "-c", writeConfig(t))
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, 4, cfg.Clients)
	assert.Equal(t, []int{4}, cfg.HiddenLayers)
	assert.Equal(t, config.Default().RetryInterval, cfg.RetryInterval)
}

func TestStatusCommand(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	r, err := runner.New(cfg, logger)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), 1)
	require.NoError(t, err)

	ts := httptest.NewServer(status.NewHandler(r))
	defer ts.Close()

	stdout, _, err := execute(t, "status", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, r.RunID())
	assert.Contains(t, stdout, "CLIENT")
	assert.Contains(t, stdout, "healthy")

	stdout, _, err = execute(t, "status", "--addr", ts.URL, "--json")
	require.NoError(t, err)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal([]byte(stdout), &snap))
	assert.Len(t, snap.Rounds, 1)
	assert.Len(t, snap.Clients, 4)
}

func TestStatusCommandUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	addr := ts.URL
	ts.Close()

	_, _, err := execute(t, "status", "--addr", addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogLevel = "DEBUG"
	cfg.LogFormat = "json"

	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("round", 3).Info("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, float64(3), entry["round"])

	cfg.LogFormat = "text"
	logger, err = newLogger(cfg, &buf)
	require.NoError(t, err)
	_, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}
