package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

func loadFrom(t *testing.T, home string) (Config, error) {
	t.Helper()
	v := NewViper()
	v.Set(FlagHome, home)
	require.NoError(t, ReadConfigFile(v, home))
	return LoadConfig(v)
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := loadFrom(t, home)
	require.NoError(t, err)

	defaults := types.DefaultParams()
	assert.Equal(t, defaults.CommitmentWindow, cfg.Params.CommitmentWindow)
	assert.Equal(t, defaults.RetryDelay, cfg.Params.RetryDelay)
	assert.True(t, defaults.MinimumPayment.Equal(cfg.Params.MinimumPayment))
	assert.True(t, defaults.DegradedPaymentMultiplier.Equal(cfg.Params.DegradedPaymentMultiplier))
	assert.Equal(t, ProverGroth16, cfg.ProverBackend)
	assert.Equal(t, ArchiveLevelDB, cfg.ArchiveBackend)
	assert.Equal(t, filepath.Join(home, "keys"), cfg.KeysDir)
	assert.Equal(t, filepath.Join(home, "data"), cfg.ArchiveDir)
	assert.Equal(t, []string{"default"}, cfg.Models)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, cfg.Params.RetryDelay, cfg.Mirror.Delay)
	assert.Empty(t, cfg.Allocations)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MOSAIC_JOBS_COMMITMENT_WINDOW", "45s")
	t.Setenv("MOSAIC_JOBS_MINIMUM_PAYMENT", "50")
	t.Setenv("MOSAIC_PROVER_RETRY_DELAY_MS", "250")
	t.Setenv("MOSAIC_OPERATORS", "op1 op2")
	t.Setenv("MOSAIC_BANK_ALLOCATIONS", "alice=100 bob=7 alice=5")
	t.Setenv("MOSAIC_ARCHIVE_BACKEND", "MEMORY")

	cfg, err := loadFrom(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Params.CommitmentWindow)
	assert.Equal(t, math.NewInt(50), cfg.Params.MinimumPayment)
	assert.Equal(t, 250*time.Millisecond, cfg.Params.RetryDelay)
	assert.Equal(t, []string{"op1", "op2"}, cfg.Operators)
	assert.Equal(t, math.NewInt(105), cfg.Allocations["alice"])
	assert.Equal(t, math.NewInt(7), cfg.Allocations["bob"])
	assert.Equal(t, ArchiveMemory, cfg.ArchiveBackend)
}

func TestReadConfigFile(t *testing.T) {
	home := t.TempDir()
	toml := `
[jobs]
slash-percentage = 25
optimistic = true

[worker]
address = "worker1"

[api]
addr = ":9999"
`
	require.NoError(t, os.WriteFile(filepath.Join(home, ConfigFileName), []byte(toml), 0o600))

	cfg, err := loadFrom(t, home)
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.Params.SlashPercentage)
	assert.True(t, cfg.Params.OptimisticMode)
	assert.Equal(t, "worker1", cfg.Worker)
	assert.Equal(t, "worker1", cfg.Telemetry.NodeID)
	assert.Equal(t, ":9999", cfg.APIAddr)
}

func TestBindFlags(t *testing.T) {
	v := NewViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String(KeyAPIAddr, "", "")
	fs.String(KeyProverBackend, "", "")
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--api.addr=:7000", "--prover.backend=process"}))

	assert.Equal(t, ":7000", v.GetString(KeyAPIAddr))
	v.Set(KeyProverCommand, "prove-bin")
	v.Set(FlagHome, t.TempDir())
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, ProverProcess, cfg.ProverBackend)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"unknown prover", KeyProverBackend, "snark"},
		{"process without command", KeyProverBackend, ProverProcess},
		{"unknown archive", KeyArchiveBackend, "mongo"},
		{"postgres without dsn", KeyArchiveBackend, ArchivePostgres},
		{"bad minimum payment", KeyMinimumPayment, "ten"},
		{"bad degraded multiplier", KeyDegradedMultiplier, "half"},
		{"zero sweep interval", KeySweepInterval, "0s"},
		{"negative rate", KeyRateLimit, -1},
		{"zero mirror attempts", KeyMirrorMaxAttempts, 0},
		{"bad allocation", KeyAllocations, []string{"alice"}},
		{"negative allocation", KeyAllocations, []string{"alice=-3"}},
		{"invalid params", KeySlashPercentage, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			v.Set(FlagHome, t.TempDir())
			v.Set(tt.key, tt.val)
			_, err := LoadConfig(v)
			require.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"plain", "json", ""} {
		_, err := NewLogger(os.Stderr, "debug", format)
		require.NoError(t, err, format)
	}
	_, err := NewLogger(os.Stderr, "loud", "plain")
	require.Error(t, err)
	_, err = NewLogger(os.Stderr, "info", "xml")
	require.Error(t, err)
}
