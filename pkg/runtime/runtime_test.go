package runtime

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.TemplateDir = filepath.Join(cfg.DataDir, "templates")
	return cfg
}

func TestNewAssemblesRuntime(t *testing.T) {
	rt, err := New(testConfig(t), zerolog.Nop(), Options{Unattended: true})
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.Store)
	assert.NotNil(t, rt.Engine)
	assert.NotNil(t, rt.Executor)
	assert.Contains(t, rt.Registry.Names(), "echo")
	assert.Contains(t, rt.Registry.Names(), "exec")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApprovalToken = ""

	_, err := New(cfg, zerolog.Nop(), Options{Unattended: true})
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestProviderForRequiresCredentials(t *testing.T) {
	rt, err := New(testConfig(t), zerolog.Nop(), Options{Unattended: true})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.ProviderFor("anthropic")
	assert.ErrorContains(t, err, "no credentials")
}

func TestProviderForCachesAdapters(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Profiles = []config.AIProfile{
		{ID: "p", Provider: "openai", APIKey: "sk-test"},
	}

	rt, err := New(cfg, zerolog.Nop(), Options{Unattended: true})
	require.NoError(t, err)
	defer rt.Close()

	first, err := rt.ProviderFor("openai")
	require.NoError(t, err)
	second, err := rt.ProviderFor("openai")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestTelemetryDefaultsToNop(t *testing.T) {
	rt, err := New(testConfig(t), zerolog.Nop(), Options{Unattended: true})
	require.NoError(t, err)
	defer rt.Close()

	_, isNop := rt.Telemetry.(telemetry.Nop)
	assert.True(t, isNop)
}
