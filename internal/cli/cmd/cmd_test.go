package cmd

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/pareto-event-router/consumer"
	"github.com/withObsrvr/pareto-event-router/internal/cli/config"
)

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(os.Interrupt))
	assert.Equal(t, 1, exitCodeFor(syscall.SIGTERM))
}

func TestPrintConfigMasksSecrets(t *testing.T) {
	cfg := &config.Config{
		ParetoURL:      "https://pareto.example",
		ParetoAPIToken: "secret-token",
		RedisURL:       "redis://:hunter2@localhost:6379",
	}

	var out bytes.Buffer
	require.NoError(t, printConfig(&out, cfg))

	text := out.String()
	assert.NotContains(t, text, "secret-token")
	assert.NotContains(t, text, "hunter2")
	assert.Contains(t, text, "#   - "+consumer.NameRedis)

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "https://pareto.example", decoded["pareto_url"])
}

func TestValidateConfig(t *testing.T) {
	var out bytes.Buffer
	err := validateConfig(&out, &config.Config{ParetoURL: "https://pareto.example"})

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, out.String(), "missing environment PARETO_API_TOKEN")

	out.Reset()
	require.NoError(t, validateConfig(&out, &config.Config{ParetoURL: "u", ParetoAPIToken: "t", StdoutSink: true}))
	assert.Contains(t, out.String(), "1 sinks enabled")
}

func TestPrintVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "")
	defer SetVersionInfo("", "", "")

	var out bytes.Buffer
	printVersion(&out)
	assert.Contains(t, out.String(), "pareto-event-router 1.2.3")
	assert.Contains(t, out.String(), "abc123")
	assert.Contains(t, out.String(), "unknown")
}
