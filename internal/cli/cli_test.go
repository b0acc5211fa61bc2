package cli

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frommybrain/fatebox/internal/controller"
	"github.com/frommybrain/fatebox/pkg/types"
)

func testKey(b byte) types.PublicKey {
	var k types.PublicKey
	k[0] = b
	k[31] = 7
	return k
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log = prev
	})

	var out, errOut bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "fatebox", cmd.Use, "Root command should be 'fatebox'")
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"run", "luck", "resolve", "status", "refund-receiver"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	boxes := cmd.Flags().Lookup("boxes")
	require.NotNil(t, boxes)
	assert.Equal(t, "n", boxes.Shorthand)
	assert.Equal(t, "10", boxes.DefValue)
	for _, name := range []string{"concurrency", "stake", "owner"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
}

// ============================================================================
// Config
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	owner := testKey(0x11)
	queue := testKey(0x22)
	path := writeConfig(t, `
network: mainnet
luck:
  base: 5
  max: 60
  interval: 6s
oracle:
  crossbar_url: https://crossbar.example
  queues:
    mainnet: `+queue.String()+`
  max_retries: 4
  backoff_step: 1s
runner:
  concurrency: 3
  min_delay: 2s
  max_delay: 4s
  cooldown: 1s
  reveal_attempts: 2
  retry_pause: 500ms
  stake: 2500
  owner: `+owner.String()+`
ledger:
  bridge_url: http://bridge
  rpc_url: http://rpc
  decimals: 6
storage:
  wal_path: /tmp/x.wal
  snapshot_path: /tmp/x.snapshot
  snapshot_interval: 1m
metrics:
  enabled: true
  port: 9191
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, 6*time.Second, cfg.Luck.Interval)
	assert.Equal(t, "https://crossbar.example", cfg.Oracle.CrossbarURL)
	assert.Equal(t, queue, cfg.Oracle.Queues["mainnet"])
	assert.Equal(t, 4, cfg.Oracle.MaxRetries)
	assert.Equal(t, 3, cfg.Runner.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Runner.RetryPause)
	assert.Equal(t, uint64(2500), cfg.Runner.Stake)
	assert.Equal(t, owner, cfg.Runner.Owner)
	assert.Equal(t, int32(6), cfg.Ledger.Decimals)
	assert.Equal(t, time.Minute, cfg.Storage.SnapshotInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "json", cfg.Log.Format)

	// 未指定的欄位保留預設值
	assert.Equal(t, "confirmed", cfg.Ledger.Commitment)
	assert.Equal(t, types.BoxID(1), cfg.Runner.FirstBoxID)
	assert.Equal(t, time.Hour, cfg.Storage.CommitWindow)

	assert.NoError(t, cfg.Validate())
	assert.NoError(t, cfg.Runner.Validate())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "devnet", cfg.Network)
	assert.Equal(t, 3*time.Second, cfg.Luck.Interval)
	assert.Equal(t, 5, cfg.Runner.Concurrency)
	assert.Equal(t, 31*time.Second, cfg.Runner.MinDelay)
	assert.Equal(t, 45*time.Second, cfg.Runner.MaxDelay)
	assert.Equal(t, 11*time.Second, cfg.Runner.Cooldown)
	assert.Equal(t, 3, cfg.Runner.RevealAttempts)
	assert.Equal(t, 5*time.Second, cfg.Runner.RetryPause)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "network: [unterminated")
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
network: devnet
ledger:
  bridge_url: http://from-file
  api_key: from-file
`)
	t.Setenv("FATEBOX_LEDGER_API_KEY", "from-env")
	t.Setenv("FATEBOX_NETWORK", "mainnet")
	t.Setenv("FATEBOX_METRICS_PORT", "9999")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Ledger.APIKey)
	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, 9999, cfg.Metrics.Port)
	assert.Equal(t, "http://from-file", cfg.Ledger.BridgeURL, "unset variables must not clear file values")
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Ledger.BridgeURL = "http://bridge"
	cfg.Ledger.RPCURL = "http://rpc"
	return &cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no network", func(c *Config) { c.Network = "" }},
		{"short luck interval", func(c *Config) { c.Luck.Interval = 0 }},
		{"no bridge", func(c *Config) { c.Ledger.BridgeURL = "" }},
		{"no rpc", func(c *Config) { c.Ledger.RPCURL = "" }},
		{"no wal path", func(c *Config) { c.Storage.WALPath = "" }},
		{"bad metrics port", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Port = 0
		}},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad signer hex", func(c *Config) {
			c.Oracle.Signers = map[string]string{testKey(1).String(): "zz"}
		}},
		{"short signer", func(c *Config) {
			c.Oracle.Signers = map[string]string{testKey(1).String(): "0x0203"}
		}},
		{"bad signer account", func(c *Config) {
			c.Oracle.Signers = map[string]string{"0OIl": "0x02"}
		}},
	}

	require.NoError(t, validConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)
		})
	}
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Network = "mainnet"
	signer := "0x02" + "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff"
	cfg.Oracle.Signers = map[string]string{testKey(9).String(): signer}

	ocfg, err := cfg.coordinatorConfig()
	require.NoError(t, err)
	assert.Equal(t, "mainnet", ocfg.Network)
	assert.Equal(t, "http://rpc", ocfg.RPCURL)
	require.Len(t, ocfg.OracleSigners, 1)
	assert.Len(t, ocfg.OracleSigners[testKey(9)], 33)
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log = prev
	})

	var buf bytes.Buffer
	require.NoError(t, setupLogging("warn", "json", &buf))
	log.Info("hidden")
	log.Warn("shown", "boxID", 7)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"boxID":7`)

	assert.ErrorIs(t, setupLogging("info", "xml", &buf), types.ErrInvalidConfig)
}

// ============================================================================
// Commands
// ============================================================================

func TestApplyRunFlags(t *testing.T) {
	owner := testKey(0x33)
	cmd := buildRunCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--concurrency", "2", "--stake", "700", "--owner", owner.String()}))

	cfg := defaultConfig()
	opts := runOptions{concurrency: 2, stake: 700, owner: owner.String()}
	require.NoError(t, applyRunFlags(cmd, &cfg, opts))
	assert.Equal(t, 2, cfg.Runner.Concurrency)
	assert.Equal(t, uint64(700), cfg.Runner.Stake)
	assert.Equal(t, owner, cfg.Runner.Owner)

	bad := buildRunCommand()
	require.NoError(t, bad.ParseFlags([]string{"--owner", "not-a-key"}))
	assert.ErrorIs(t, applyRunFlags(bad, &cfg, runOptions{owner: "not-a-key"}), types.ErrInvalidConfig)
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "network: devnet\n")
	_, err := execute(t, "run", "-c", path, "--stake", "10", "--owner", testKey(1).String())
	assert.ErrorIs(t, err, types.ErrInvalidConfig, "missing ledger endpoints")
}

func TestRunCommand_RequiresOwner(t *testing.T) {
	path := writeConfig(t, "ledger:\n  bridge_url: http://bridge\n  rpc_url: http://rpc\n")
	_, err := execute(t, "run", "-c", path, "--stake", "10")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestLuckCommand(t *testing.T) {
	out, err := execute(t, "luck", "--hold", "30s", "--interval", "3s")
	require.NoError(t, err)
	assert.Contains(t, out, "luck: 15")
	assert.Contains(t, out, "next increase: in 3s")
	assert.Contains(t, out, "odds: dud=")

	out, err = execute(t, "luck", "--hold", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "luck: 60")
	assert.Contains(t, out, "next increase: capped")

	_, err = execute(t, "luck", "--interval", "0s")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestResolveCommand(t *testing.T) {
	out, err := execute(t, "resolve", "--luck", "5", "--fraction", "0", "--stake", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "tier: dud (0x)")
	assert.Contains(t, out, "payout: 0")

	_, err = execute(t, "resolve", "--stake", "0")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestNextBoxID(t *testing.T) {
	assert.Equal(t, types.BoxID(1), nextBoxID(nil))
	assert.Equal(t, types.BoxID(8), nextBoxID([]*types.Box{{ID: 3}, {ID: 7}, {ID: 5}}))
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
storage:
  wal_path: `+filepath.Join(dir, "boxes.wal")+`
  snapshot_path: `+filepath.Join(dir, "boxes.snapshot")+`
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	// 準備兩個盒子：一個 created，一個 failed
	ctrl, err := controller.NewController(controllerConfig(cfg))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	owner := testKey(0x44)
	now := time.Now()
	require.NoError(t, ctrl.Register(types.Box{ID: 1, ProjectID: 1, Owner: owner, Stake: 10, CreatedAt: now}))
	require.NoError(t, ctrl.Register(types.Box{ID: 2, ProjectID: 1, Owner: owner, Stake: 10, CreatedAt: now}))
	_, err = ctrl.Commit(2, testKey(0x55), now.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, ctrl.MarkFailed(2, "oracle offline", now.Add(2*time.Second)))
	ctrl.Stop()

	out, err := execute(t, "status", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Boxes: 2")
	assert.Regexp(t, `created\s+1`, out)
	assert.Regexp(t, `failed\s+1`, out)
	assert.Contains(t, out, "Refund eligible:")
	assert.Contains(t, out, "box 2 owner "+owner.String()+": oracle offline")
}
