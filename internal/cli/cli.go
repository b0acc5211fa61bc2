// ============================================================================
// Fatebox CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面
//
// Command Structure:
//   fatebox                        # Root command
//   ├── run                        # 批次執行 N 個盒子
//   │   ├── --boxes, -n
//   │   ├── --concurrency
//   │   ├── --stake
//   │   └── --owner
//   ├── luck                       # 計算持有時間對應的 luck
//   ├── resolve                    # 由 luck + 隨機分數解析獎勵等級
//   ├── status                     # 從快照 + WAL 恢復並顯示狀態
//   ├── refund-receiver            # 退款通知 gRPC 接收端
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML 檔案疊加在預設值上，再套用 FATEBOX_* 環境變數（密鑰與端點）。
//   詳見 config.go。
//
// run Command:
//   1. Load config, apply flags, validate
//   2. 恢復 Controller（快照 + WAL）
//   3. 組裝 ledger bridge / RPC / crossbar / coordinator / notifier
//   4. Start Metrics HTTP server (if enabled)
//   5. 執行 runner，SIGINT/SIGTERM 取消後續窗口
//   6. 印出摘要，Controller.Stop 寫最後快照
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/frommybrain/fatebox/internal/controller"
	"github.com/frommybrain/fatebox/internal/ledger"
	"github.com/frommybrain/fatebox/internal/luck"
	"github.com/frommybrain/fatebox/internal/metrics"
	"github.com/frommybrain/fatebox/internal/notify"
	"github.com/frommybrain/fatebox/internal/oracle"
	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/internal/runner"
	"github.com/frommybrain/fatebox/internal/server"
	"github.com/frommybrain/fatebox/internal/storage/wal"
	"github.com/frommybrain/fatebox/pkg/types"
)

var log = slog.Default()

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fatebox",
		Short: "Fatebox: commit-reveal mystery box runner",
		Long: `Fatebox drives mystery boxes through purchase, commit, reveal and settle:
- luck accrues while a box is held
- randomness comes from an oracle commit-reveal round trip
- every transition is write-ahead logged and recoverable
- failed boxes are flagged refund-eligible and reported over gRPC`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildLuckCommand())
	rootCmd.AddCommand(buildResolveCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildRefundReceiverCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	boxes       int
	concurrency int
	stake       uint64
	owner       string
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a batch of boxes",
		Long:  "Purchase, commit, reveal and settle --boxes boxes in windows of --concurrency",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := applyRunFlags(cmd, cfg, opts); err != nil {
				return err
			}
			return runBatch(cmd.Context(), cfg, opts.boxes, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&opts.boxes, "boxes", "n", 10, "number of boxes to run")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", runner.DefaultConcurrency, "boxes per window")
	cmd.Flags().Uint64Var(&opts.stake, "stake", 0, "stake per box in smallest units (overrides runner.stake)")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "box owner public key (overrides runner.owner)")

	return cmd
}

// applyRunFlags overrides config values with the flags the user set.
func applyRunFlags(cmd *cobra.Command, cfg *Config, opts runOptions) error {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Runner.Concurrency = opts.concurrency
	}
	if flags.Changed("stake") {
		cfg.Runner.Stake = opts.stake
	}
	if flags.Changed("owner") {
		owner, err := types.ParsePublicKey(opts.owner)
		if err != nil {
			return fmt.Errorf("%w: --owner: %v", types.ErrInvalidConfig, err)
		}
		cfg.Runner.Owner = owner
	}
	return nil
}

func runBatch(parent context.Context, cfg *Config, boxes int, out, logOut io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Runner.Validate(); err != nil {
		return err
	}
	if err := setupLogging(cfg.Log.Level, cfg.Log.Format, logOut); err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Warn("Received shutdown signal, finishing current window", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	ctrl, err := controller.NewController(controllerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	recoveryStart := time.Now()
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	collector.SetRecoveryTime(time.Since(recoveryStart))
	defer ctrl.Stop()

	bridge := ledger.NewBridgeClient(cfg.Ledger.BridgeURL, cfg.Ledger.APIKey, cfg.Ledger.Timeout)
	reader, err := ledger.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.Commitment, cfg.Ledger.Timeout)
	if err != nil {
		return err
	}
	defer reader.Close()
	deps := oracle.Dependencies{
		Gateway:   bridge,
		Submitter: bridge,
		Reader:    reader,
		Queues:    oracle.StaticQueues(cfg.Oracle.Queues),
		Recorder:  collector,
	}
	if cfg.Oracle.CrossbarURL != "" {
		deps.Fallback = oracle.NewCrossbarClient(cfg.Oracle.CrossbarURL, cfg.Ledger.Timeout)
	}
	ocfg, err := cfg.coordinatorConfig()
	if err != nil {
		return err
	}
	coord, err := oracle.NewCoordinator(ocfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	var sink notify.Sink = notify.LogSink{}
	if cfg.Notify.Address != "" {
		grpcSink, err := notify.Dial(cfg.Notify.Address, cfg.Notify.Timeout)
		if err != nil {
			return fmt.Errorf("failed to connect refund notifier: %w", err)
		}
		defer grpcSink.Close()
		sink = grpcSink
	}

	rcfg := cfg.Runner
	if next := nextBoxID(ctrl.List()); rcfg.FirstBoxID < next {
		log.Info("Continuing box numbering after recovered boxes", "first_box_id", next)
		rcfg.FirstBoxID = next
	}

	r, err := runner.New(rcfg, runner.Dependencies{
		Boxes:    ctrl,
		Oracle:   coord,
		Settler:  bridge,
		Notifier: sink,
		Recorder: collector,
	})
	if err != nil {
		return err
	}

	report, err := r.Run(ctx, boxes)
	if err != nil {
		return err
	}
	return report.WriteSummary(out, cfg.Ledger.Decimals)
}

func controllerConfig(cfg *Config) controller.Config {
	return controller.Config{
		WALPath:          cfg.Storage.WALPath,
		SnapshotPath:     cfg.Storage.SnapshotPath,
		SnapshotInterval: cfg.Storage.SnapshotInterval,
		SyncOnAppend:     cfg.Storage.SyncOnAppend,
		Luck:             cfg.Luck,
		CommitWindow:     cfg.Storage.CommitWindow,
	}
}

// nextBoxID is one past the highest recovered box id, or 1.
func nextBoxID(boxes []*types.Box) types.BoxID {
	var highest types.BoxID
	for _, b := range boxes {
		if b.ID > highest {
			highest = b.ID
		}
	}
	return highest + 1
}

// ============================================================================
// luck / resolve
// ============================================================================

func buildLuckCommand() *cobra.Command {
	var hold, interval time.Duration
	var base, maxLuck int

	cmd := &cobra.Command{
		Use:   "luck",
		Short: "Compute luck for a hold duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := luck.Config{Base: base, Max: maxLuck, Interval: interval}
			if err := cfg.Validate(); err != nil {
				return err
			}
			created := time.Unix(0, 0)
			score, err := cfg.At(created, created.Add(hold))
			if err != nil {
				return err
			}
			next, err := cfg.NextIncrease(created, created.Add(hold))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "luck: %d (hold %s, interval %s, base %d, max %d)\n", score, hold, interval, base, maxLuck)
			if score >= maxLuck {
				fmt.Fprintln(out, "next increase: capped")
			} else {
				fmt.Fprintf(out, "next increase: in %s\n", next)
			}
			fmt.Fprintf(out, "odds: %s\n", reward.OddsFor(score).Describe())
			return nil
		},
	}

	cmd.Flags().DurationVar(&hold, "hold", 0, "time held since purchase")
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "luck accrual interval")
	cmd.Flags().IntVar(&base, "base", luck.DefaultBase, "luck at purchase")
	cmd.Flags().IntVar(&maxLuck, "max", luck.DefaultMax, "luck cap")
	return cmd
}

func buildResolveCommand() *cobra.Command {
	var luckScore int
	var fraction uint32
	var stake uint64
	var decimals int32

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a reward tier from luck and a random fraction",
		Long:  "Resolve the reward tier for --luck and a random --fraction in basis points (0-10000)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := reward.Resolve(luckScore, reward.Fraction(fraction), stake)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tier: %s (%s)\n", res.Tier, reward.MultiplierString(res.Tier))
			fmt.Fprintf(out, "payout: %s\n", reward.FormatAmount(res.Payout, decimals))
			fmt.Fprintf(out, "luck: %d fraction: %s\n", res.Luck, res.Fraction)
			fmt.Fprintf(out, "odds: %s\n", res.Odds.Describe())
			return nil
		},
	}

	cmd.Flags().IntVar(&luckScore, "luck", luck.DefaultBase, "frozen luck value")
	cmd.Flags().Uint32Var(&fraction, "fraction", 0, "random fraction in basis points")
	cmd.Flags().Uint64Var(&stake, "stake", 1, "stake in smallest units")
	cmd.Flags().Int32Var(&decimals, "decimals", 0, "token decimals for display")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recovered box status",
		Long:  "Recover state from snapshot and WAL and display box counts and refund-eligible boxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, dump, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&dump, "dump-wal", false, "print every WAL event")
	return cmd
}

func showStatus(cfg *Config, dump bool, out io.Writer) error {
	walStats, err := wal.GetWALStats(cfg.Storage.WALPath)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}
	status, boxes, err := controller.Inspect(controllerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to recover state: %w", err)
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Config File:  %s\n", configFile)
	fmt.Fprintf(out, "  Network:      %s\n", cfg.Network)
	fmt.Fprintf(out, "  Luck:         base %d, max %d, every %s\n", cfg.Luck.Base, cfg.Luck.Max, cfg.Luck.Interval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  WAL:          %s (%d events, last seq %d)\n", cfg.Storage.WALPath, walStats.TotalEvents, walStats.LastSeq)
	fmt.Fprintf(out, "  Snapshot:     %s\n", cfg.Storage.SnapshotPath)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Boxes: %d\n", len(boxes))
	for _, state := range []types.BoxState{
		types.StateCreated, types.StateCommitted, types.StateRevealed, types.StateSettled, types.StateFailed,
	} {
		fmt.Fprintf(out, "  %-10s %d\n", state, status.Boxes[string(state)])
	}

	var refunds []*types.Box
	for _, b := range boxes {
		if b.RefundEligible {
			refunds = append(refunds, b)
		}
	}
	sort.Slice(refunds, func(i, j int) bool { return refunds[i].ID < refunds[j].ID })
	if len(refunds) > 0 {
		fmt.Fprintln(out, "Refund eligible:")
		for _, b := range refunds {
			fmt.Fprintf(out, "  box %d owner %s: %s\n", b.ID, b.Owner, b.FailureReason)
		}
	}

	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "Metrics: http://localhost:%d/metrics\n", cfg.Metrics.Port)
	}

	if dump {
		fmt.Fprintln(out, "WAL:")
		if err := wal.DumpWAL(cfg.Storage.WALPath, out); err != nil && walStats.TotalEvents > 0 {
			return fmt.Errorf("failed to dump WAL: %w", err)
		}
	}
	return nil
}

// ============================================================================
// refund-receiver
// ============================================================================

func buildRefundReceiverCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "refund-receiver",
		Short: "Serve the refund notification endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := setupLogging(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			srv := server.NewServer(server.OnRefund(func(r notify.Refund) {
				fmt.Fprintf(out, "refund: box %d project %d owner %s: %s\n", r.BoxID, r.ProjectID, r.Owner, r.FailureReason)
			}))
			log.Info("Refund receiver listening", "addr", lis.Addr().String())
			return server.Serve(ctx, lis, srv)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":50051", "address to listen on")
	return cmd
}
