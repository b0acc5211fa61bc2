package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/frommybrain/fatebox/internal/luck"
	"github.com/frommybrain/fatebox/internal/oracle"
	"github.com/frommybrain/fatebox/internal/runner"
	"github.com/frommybrain/fatebox/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. FATEBOX_LEDGER_API_KEY.
const EnvPrefix = "FATEBOX_"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags; secrets and endpoints can be
// overridden from the environment.
type Config struct {
	Network string `yaml:"network" env:"NETWORK"`

	Luck luck.Config `yaml:"luck"`

	Oracle OracleConfig `yaml:"oracle" envPrefix:"ORACLE_"`

	Runner runner.Config `yaml:"runner"`

	Ledger struct {
		BridgeURL  string        `yaml:"bridge_url" env:"BRIDGE_URL"`
		APIKey     string        `yaml:"api_key" env:"API_KEY"`
		RPCURL     string        `yaml:"rpc_url" env:"RPC_URL"`
		Commitment string        `yaml:"commitment"`
		Timeout    time.Duration `yaml:"timeout"`
		Decimals   int32         `yaml:"decimals"`
	} `yaml:"ledger" envPrefix:"LEDGER_"`

	Storage struct {
		WALPath          string        `yaml:"wal_path" env:"WAL_PATH"`
		SnapshotPath     string        `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SyncOnAppend     bool          `yaml:"sync_on_append"`
		CommitWindow     time.Duration `yaml:"commit_window"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Notify struct {
		Address string        `yaml:"address" env:"ADDRESS"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"notify" envPrefix:"NOTIFY_"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`
		Port    int  `yaml:"port" env:"PORT"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"LOG_"`
}

// OracleConfig 預言機設定
type OracleConfig struct {
	ProgramID   types.PublicKey `yaml:"program_id" env:"PROGRAM_ID"`
	CrossbarURL string          `yaml:"crossbar_url" env:"CROSSBAR_URL"`

	// Queues maps a network name to its oracle queue.
	Queues map[string]types.PublicKey `yaml:"queues"`

	// Signers maps an oracle account to its 0x-prefixed compressed
	// secp256k1 key.
	Signers map[string]string `yaml:"signers"`

	MaxRetries   int           `yaml:"max_retries"`
	BackoffStep  time.Duration `yaml:"backoff_step"`
	QueueTTL     time.Duration `yaml:"queue_ttl"`
	GatewayRPS   float64       `yaml:"gateway_rps"`
	GatewayBurst int           `yaml:"gateway_burst"`
	ConfirmWait  time.Duration `yaml:"confirm_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// defaultConfig is the base every config file is decoded over.
func defaultConfig() Config {
	var cfg Config
	cfg.Network = "devnet"
	cfg.Luck = luck.DefaultConfig(3 * time.Second)
	cfg.Runner = runner.DefaultConfig(types.PublicKey{}, 0)
	cfg.Oracle.MaxRetries = oracle.DefaultMaxRetries
	cfg.Oracle.BackoffStep = oracle.DefaultBackoffStep
	cfg.Oracle.QueueTTL = oracle.DefaultQueueTTL
	cfg.Oracle.ConfirmWait = oracle.DefaultConfirmWait
	cfg.Oracle.PollInterval = oracle.DefaultPollInterval
	cfg.Ledger.Commitment = "confirmed"
	cfg.Ledger.Timeout = 10 * time.Second
	cfg.Ledger.Decimals = 9
	cfg.Storage.WALPath = "data/boxes.wal"
	cfg.Storage.SnapshotPath = "data/boxes.snapshot"
	cfg.Storage.CommitWindow = time.Hour
	cfg.Notify.Timeout = 5 * time.Second
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// loadConfig reads path over the defaults, then applies FATEBOX_* overrides.
// A missing file is not an error: defaults plus environment are used.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return &cfg, nil
}

// Validate reports configuration errors as types.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("%w: network is required", types.ErrInvalidConfig)
	}
	if err := c.Luck.Validate(); err != nil {
		return err
	}
	if c.Ledger.BridgeURL == "" || c.Ledger.RPCURL == "" {
		return fmt.Errorf("%w: ledger bridge_url and rpc_url are required", types.ErrInvalidConfig)
	}
	if c.Storage.WALPath == "" || c.Storage.SnapshotPath == "" {
		return fmt.Errorf("%w: storage paths are required", types.ErrInvalidConfig)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics port %d", types.ErrInvalidConfig, c.Metrics.Port)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := c.oracleSigners(); err != nil {
		return err
	}
	return nil
}

// coordinatorConfig maps the file layout onto oracle.Config.
func (c *Config) coordinatorConfig() (oracle.Config, error) {
	signers, err := c.oracleSigners()
	if err != nil {
		return oracle.Config{}, err
	}
	return oracle.Config{
		Network:       c.Network,
		ProgramID:     c.Oracle.ProgramID,
		RPCURL:        c.Ledger.RPCURL,
		MaxRetries:    c.Oracle.MaxRetries,
		BackoffStep:   c.Oracle.BackoffStep,
		QueueTTL:      c.Oracle.QueueTTL,
		GatewayRPS:    c.Oracle.GatewayRPS,
		GatewayBurst:  c.Oracle.GatewayBurst,
		OracleSigners: signers,
		ConfirmWait:   c.Oracle.ConfirmWait,
		PollInterval:  c.Oracle.PollInterval,
	}, nil
}

func (c *Config) oracleSigners() (map[types.PublicKey][]byte, error) {
	if len(c.Oracle.Signers) == 0 {
		return nil, nil
	}
	out := make(map[types.PublicKey][]byte, len(c.Oracle.Signers))
	for account, hexKey := range c.Oracle.Signers {
		pk, err := types.ParsePublicKey(account)
		if err != nil {
			return nil, fmt.Errorf("%w: oracle signer: %v", types.ErrInvalidConfig, err)
		}
		raw, err := hexutil.Decode(hexKey)
		if err != nil {
			return nil, fmt.Errorf("%w: oracle signer %s: %v", types.ErrInvalidConfig, account, err)
		}
		if len(raw) != 33 {
			return nil, fmt.Errorf("%w: oracle signer %s: compressed key must be 33 bytes, got %d",
				types.ErrInvalidConfig, account, len(raw))
		}
		out[pk] = raw
	}
	return out, nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", types.ErrInvalidConfig, s)
	}
	return level, nil
}

// setupLogging installs the default slog handler. Loggers captured with
// slog.Default() before this call route through the log package and are
// gated by SetLogLoggerLevel.
func setupLogging(level, format string, w io.Writer) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("%w: log format %q", types.ErrInvalidConfig, format)
	}

	slog.SetDefault(slog.New(h))
	slog.SetLogLoggerLevel(lvl)
	log = slog.Default()
	return nil
}
