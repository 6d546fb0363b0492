package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/paw-chain/mosaic/app/telemetry"
	"github.com/paw-chain/mosaic/x/jobs/chain"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Archive backends.
const (
	ArchiveNone     = "none"
	ArchiveMemory   = "memory"
	ArchiveLevelDB  = "leveldb"
	ArchivePostgres = "postgres"
)

// Prover backends.
const (
	ProverGroth16 = "groth16"
	ProverProcess = "process"
)

// Config keys. Nested keys map to TOML sections and to MOSAIC_ env vars with
// dots and dashes replaced by underscores (jobs.commitment-window ->
// MOSAIC_JOBS_COMMITMENT_WINDOW).
const (
	FlagHome = "home"

	KeyCommitmentWindow    = "jobs.commitment-window"
	KeySubmissionWindow    = "jobs.submission-window"
	KeyRefundCooldown      = "jobs.refund-cooldown"
	KeyChallengeWindow     = "jobs.challenge-window"
	KeyArchiveRetention    = "jobs.archive-retention"
	KeyMinimumPayment      = "jobs.minimum-payment"
	KeyStakeMultiplier     = "jobs.stake-multiplier"
	KeySlashPercentage     = "jobs.slash-percentage"
	KeyDegradedMultiplier  = "jobs.degraded-multiplier"
	KeyStakeDenom          = "jobs.stake-denom"
	KeyOptimistic          = "jobs.optimistic"
	KeyGasBufferPercentage = "jobs.gas-buffer-percentage"

	KeyProverBackend   = "prover.backend"
	KeyProverCommand   = "prover.command"
	KeyProverArgs      = "prover.args"
	KeyProofTimeout    = "prover.timeout"
	KeyMaxProofRetries = "prover.max-retries"
	KeyRetryDelayMS    = "prover.retry-delay-ms"
	KeyMaxProofSize    = "prover.max-proof-size"
	KeyMaxPublicInputs = "prover.max-public-inputs"
	KeyFallback        = "prover.fallback"
	KeyStaticProof     = "prover.static-proof"
	KeyKeysDir         = "prover.keys-dir"
	KeyModels          = "prover.models"

	KeyExecutorCommand = "executor.command"
	KeyExecutorArgs    = "executor.args"
	KeyExecutorTimeout = "executor.timeout"

	KeyWorker      = "worker.address"
	KeyOperators   = "operators"
	KeyAllocations = "bank.allocations"

	KeyArchiveBackend = "archive.backend"
	KeyArchiveDir     = "archive.dir"
	KeyArchiveDSN     = "archive.dsn"

	KeyMirrorEnabled     = "mirror.enabled"
	KeyMirrorMaxAttempts = "mirror.max-attempts"
	KeyMirrorRate        = "mirror.calls-per-second"

	KeyAPIAddr        = "api.addr"
	KeyJWTSecret      = "api.jwt-secret"
	KeyCORSOrigins    = "api.cors-origins"
	KeyRateLimit      = "api.rate-limit"
	KeyRateBurst      = "api.rate-burst"
	KeyHealthAddr     = "health.addr"
	KeyMetricsAddr    = "metrics.addr"
	KeySweepInterval  = "sweep.interval"
	KeyLogLevel       = "log.level"
	KeyLogFormat      = "log.format"
	KeyTracingEnabled = "telemetry.enabled"
	KeyJaegerEndpoint = "telemetry.jaeger-endpoint"
	KeySampleRate     = "telemetry.sample-rate"
	KeyEnvironment    = "telemetry.environment"
)

// Config is everything mosaicd needs to start.
type Config struct {
	Home   string
	Params types.Params

	ProverBackend   string
	ProverCommand   string
	ProverArgs      []string
	StaticProofPath string
	KeysDir         string
	Models          []string

	ExecutorCommand string
	ExecutorArgs    []string
	ExecutorTimeout time.Duration

	Worker      string
	Operators   []string
	Allocations map[string]math.Int

	ArchiveBackend string
	ArchiveDir     string
	ArchiveDSN     string

	MirrorEnabled bool
	Mirror        chain.RetryConfig

	APIAddr     string
	JWTSecret   string
	CORSOrigins []string
	RateLimit   float64
	RateBurst   int

	HealthAddr    string
	MetricsAddr   string
	SweepInterval time.Duration

	LogLevel  string
	LogFormat string
	Telemetry telemetry.Config
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	p := types.DefaultParams()
	mirror := chain.DefaultRetryConfig()

	v.SetDefault(KeyCommitmentWindow, p.CommitmentWindow)
	v.SetDefault(KeySubmissionWindow, p.SubmissionWindow)
	v.SetDefault(KeyRefundCooldown, p.RefundCooldown)
	v.SetDefault(KeyChallengeWindow, p.ChallengeWindow)
	v.SetDefault(KeyArchiveRetention, p.ArchiveRetention)
	v.SetDefault(KeyMinimumPayment, p.MinimumPayment.String())
	v.SetDefault(KeyStakeMultiplier, p.MinimumStakeMultiplier)
	v.SetDefault(KeySlashPercentage, p.SlashPercentage)
	v.SetDefault(KeyDegradedMultiplier, p.DegradedPaymentMultiplier.String())
	v.SetDefault(KeyStakeDenom, p.StakeDenom)
	v.SetDefault(KeyOptimistic, p.OptimisticMode)
	v.SetDefault(KeyGasBufferPercentage, p.GasBufferPercentage)

	v.SetDefault(KeyProverBackend, ProverGroth16)
	v.SetDefault(KeyProofTimeout, p.ProofTimeout)
	v.SetDefault(KeyMaxProofRetries, p.MaxProofRetries)
	v.SetDefault(KeyRetryDelayMS, p.RetryDelay.Milliseconds())
	v.SetDefault(KeyMaxProofSize, p.MaxProofSize)
	v.SetDefault(KeyMaxPublicInputs, p.MaxPublicInputs)
	v.SetDefault(KeyFallback, p.FallbackEnabled)
	v.SetDefault(KeyModels, []string{"default"})

	v.SetDefault(KeyExecutorTimeout, 5*time.Minute)

	v.SetDefault(KeyArchiveBackend, ArchiveLevelDB)

	v.SetDefault(KeyMirrorEnabled, false)
	v.SetDefault(KeyMirrorMaxAttempts, mirror.MaxAttempts)
	v.SetDefault(KeyMirrorRate, mirror.CallsPerSecond)

	v.SetDefault(KeyAPIAddr, ":8080")
	v.SetDefault(KeyCORSOrigins, []string{"*"})
	v.SetDefault(KeyRateLimit, 20.0)
	v.SetDefault(KeyRateBurst, 40)
	v.SetDefault(KeyHealthAddr, ":36661")
	v.SetDefault(KeyMetricsAddr, ":36660")
	v.SetDefault(KeySweepInterval, 5*time.Second)

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "plain")
	v.SetDefault(KeyTracingEnabled, false)
	v.SetDefault(KeyJaegerEndpoint, "http://localhost:4318")
	v.SetDefault(KeySampleRate, 1.0)
	v.SetDefault(KeyEnvironment, "dev")
}

// NewViper returns a viper instance with defaults and MOSAIC_ env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds command line flags whose names match config keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		errs = append(errs, v.BindPFlag(f.Name, f))
	})
	return errors.Join(errs...)
}

// ReadConfigFile merges <home>/mosaic.toml into v when it exists.
func ReadConfigFile(v *viper.Viper, home string) error {
	path := filepath.Join(home, ConfigFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigType("toml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// LoadConfig builds a validated Config from v.
func LoadConfig(v *viper.Viper) (Config, error) {
	home := cast.ToString(v.Get(FlagHome))
	if home == "" {
		home = DefaultNodeHome
	}

	params, err := loadParams(v)
	if err != nil {
		return Config{}, err
	}

	allocations, err := parseAllocations(v.GetStringSlice(KeyAllocations))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Home:   home,
		Params: params,

		ProverBackend:   strings.ToLower(v.GetString(KeyProverBackend)),
		ProverCommand:   v.GetString(KeyProverCommand),
		ProverArgs:      v.GetStringSlice(KeyProverArgs),
		StaticProofPath: v.GetString(KeyStaticProof),
		KeysDir:         orDefault(v.GetString(KeyKeysDir), filepath.Join(home, "keys")),
		Models:          v.GetStringSlice(KeyModels),

		ExecutorCommand: v.GetString(KeyExecutorCommand),
		ExecutorArgs:    v.GetStringSlice(KeyExecutorArgs),
		ExecutorTimeout: cast.ToDuration(v.Get(KeyExecutorTimeout)),

		Worker:      v.GetString(KeyWorker),
		Operators:   v.GetStringSlice(KeyOperators),
		Allocations: allocations,

		ArchiveBackend: strings.ToLower(v.GetString(KeyArchiveBackend)),
		ArchiveDir:     orDefault(v.GetString(KeyArchiveDir), filepath.Join(home, "data")),
		ArchiveDSN:     v.GetString(KeyArchiveDSN),

		MirrorEnabled: v.GetBool(KeyMirrorEnabled),

		APIAddr:     v.GetString(KeyAPIAddr),
		JWTSecret:   v.GetString(KeyJWTSecret),
		CORSOrigins: v.GetStringSlice(KeyCORSOrigins),
		RateLimit:   cast.ToFloat64(v.Get(KeyRateLimit)),
		RateBurst:   cast.ToInt(v.Get(KeyRateBurst)),

		HealthAddr:    v.GetString(KeyHealthAddr),
		MetricsAddr:   v.GetString(KeyMetricsAddr),
		SweepInterval: cast.ToDuration(v.Get(KeySweepInterval)),

		LogLevel:  v.GetString(KeyLogLevel),
		LogFormat: v.GetString(KeyLogFormat),
		Telemetry: telemetry.Config{
			Enabled:        v.GetBool(KeyTracingEnabled),
			JaegerEndpoint: v.GetString(KeyJaegerEndpoint),
			SampleRate:     cast.ToFloat64(v.Get(KeySampleRate)),
			Environment:    v.GetString(KeyEnvironment),
			NodeID:         v.GetString(KeyWorker),
		},
	}
	cfg.Mirror = chain.DefaultRetryConfig()
	cfg.Mirror.MaxAttempts = cast.ToInt(v.Get(KeyMirrorMaxAttempts))
	cfg.Mirror.CallsPerSecond = cast.ToFloat64(v.Get(KeyMirrorRate))
	cfg.Mirror.Delay = params.RetryDelay

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadParams(v *viper.Viper) (types.Params, error) {
	p := types.DefaultParams()

	minPayment, ok := math.NewIntFromString(v.GetString(KeyMinimumPayment))
	if !ok {
		return p, fmt.Errorf("%s: invalid integer %q", KeyMinimumPayment, v.GetString(KeyMinimumPayment))
	}
	degraded, err := math.LegacyNewDecFromStr(v.GetString(KeyDegradedMultiplier))
	if err != nil {
		return p, fmt.Errorf("%s: %w", KeyDegradedMultiplier, err)
	}
	retryDelayMS, err := cast.ToInt64E(v.Get(KeyRetryDelayMS))
	if err != nil {
		return p, fmt.Errorf("%s: %w", KeyRetryDelayMS, err)
	}

	p.CommitmentWindow = cast.ToDuration(v.Get(KeyCommitmentWindow))
	p.SubmissionWindow = cast.ToDuration(v.Get(KeySubmissionWindow))
	p.RefundCooldown = cast.ToDuration(v.Get(KeyRefundCooldown))
	p.ChallengeWindow = cast.ToDuration(v.Get(KeyChallengeWindow))
	p.ArchiveRetention = cast.ToDuration(v.Get(KeyArchiveRetention))
	p.MinimumPayment = minPayment
	p.MinimumStakeMultiplier = cast.ToInt64(v.Get(KeyStakeMultiplier))
	p.SlashPercentage = cast.ToInt64(v.Get(KeySlashPercentage))
	p.DegradedPaymentMultiplier = degraded
	p.StakeDenom = v.GetString(KeyStakeDenom)
	p.OptimisticMode = v.GetBool(KeyOptimistic)
	p.GasBufferPercentage = cast.ToInt64(v.Get(KeyGasBufferPercentage))
	p.ProofTimeout = cast.ToDuration(v.Get(KeyProofTimeout))
	p.MaxProofRetries = cast.ToInt(v.Get(KeyMaxProofRetries))
	p.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	p.MaxProofSize = cast.ToInt(v.Get(KeyMaxProofSize))
	p.MaxPublicInputs = cast.ToInt(v.Get(KeyMaxPublicInputs))
	p.FallbackEnabled = v.GetBool(KeyFallback)

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid job parameters: %w", err)
	}
	return p, nil
}

// parseAllocations reads "account=amount" entries used to fund the
// in-process bank at startup.
func parseAllocations(entries []string) (map[string]math.Int, error) {
	out := make(map[string]math.Int, len(entries))
	for _, entry := range entries {
		account, amount, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || account == "" {
			return nil, fmt.Errorf("%s: entry %q must be account=amount", KeyAllocations, entry)
		}
		n, ok := math.NewIntFromString(amount)
		if !ok || n.IsNegative() {
			return nil, fmt.Errorf("%s: invalid amount in %q", KeyAllocations, entry)
		}
		if prev, ok := out[account]; ok {
			n = n.Add(prev)
		}
		out[account] = n
	}
	return out, nil
}

// Validate checks the cross-field rules LoadConfig cannot express as defaults.
func (c Config) Validate() error {
	switch c.ProverBackend {
	case ProverGroth16:
	case ProverProcess:
		if c.ProverCommand == "" {
			return fmt.Errorf("%s is required for the process prover", KeyProverCommand)
		}
	default:
		return fmt.Errorf("unknown %s %q", KeyProverBackend, c.ProverBackend)
	}
	switch c.ArchiveBackend {
	case ArchiveNone, ArchiveMemory, ArchiveLevelDB:
	case ArchivePostgres:
		if c.ArchiveDSN == "" {
			return fmt.Errorf("%s is required for the postgres archive", KeyArchiveDSN)
		}
	default:
		return fmt.Errorf("unknown %s %q", KeyArchiveBackend, c.ArchiveBackend)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeySweepInterval)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s must not be negative", KeyRateLimit)
	}
	if c.Mirror.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", KeyMirrorMaxAttempts)
	}
	if c.Telemetry.Enabled && (c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1) {
		return fmt.Errorf("%s must be between 0 and 1", KeySampleRate)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
