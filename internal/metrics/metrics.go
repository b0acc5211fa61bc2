// ============================================================================
// Fatebox Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露揭示流程的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 盒子計數器 (Counter) - 累計值，只增不減：
//      - fatebox_boxes_committed_total: 已承諾盒子總數
//      - fatebox_boxes_revealed_total: 已揭示盒子總數
//      - fatebox_boxes_settled_total: 已結算盒子總數（含零獎勵）
//      - fatebox_boxes_failed_total{phase}: 失敗盒子總數，依階段區分
//      - fatebox_reveal_tiers_total{tier}: 各等級出現次數
//
//   2. 預言機指標 (Counter)：
//      - fatebox_reveal_retries_total: 揭示重試次數
//      - fatebox_fallback_reveals_total: 走備援閘道的揭示次數
//      - fatebox_refund_notifications_total: 送出的退款通知
//
//   3. 性能指標 (Histogram)：
//      - fatebox_reveal_latency_seconds: 從承諾到揭示完成的延遲
//
//   4. 狀態指標 (Gauge)：
//      - fatebox_boxes_in_flight: 當前窗口中執行的盒子數
//      - fatebox_recovery_time_seconds: 最近一次恢復時間
//
// Prometheus 查詢示例:
//
//   # 揭示失敗率
//   sum(rate(fatebox_boxes_failed_total{phase="reveal"}[5m])) / rate(fatebox_boxes_committed_total[5m])
//
//   # 95 分位揭示延遲
//   histogram_quantile(0.95, fatebox_reveal_latency_seconds_bucket)
//
//   # 備援閘道使用比例
//   rate(fatebox_fallback_reveals_total[5m]) / rate(fatebox_boxes_revealed_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取，默認端口: 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frommybrain/fatebox/pkg/types"
)

var log = slog.Default()

const namespace = "fatebox"

// Collector Prometheus 指標收集器
type Collector struct {
	// 盒子相關指標
	committed prometheus.Counter
	revealed  prometheus.Counter
	settled   prometheus.Counter
	failed    *prometheus.CounterVec
	tiers     *prometheus.CounterVec

	// 預言機指標
	revealRetries prometheus.Counter
	fallbacks     prometheus.Counter
	refunds       prometheus.Counter

	// 效能與狀態指標
	revealLatency prometheus.Histogram
	inFlight      prometheus.Gauge
	recoveryTime  prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg，reg 為 nil 時使用預設註冊器
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boxes_committed_total",
			Help:      "Total number of boxes bound to a randomness request",
		}),
		revealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boxes_revealed_total",
			Help:      "Total number of boxes revealed",
		}),
		settled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boxes_settled_total",
			Help:      "Total number of boxes settled, including zero payouts",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boxes_failed_total",
			Help:      "Total number of boxes that failed, by pipeline phase",
		}, []string{"phase"}),
		tiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reveal_tiers_total",
			Help:      "Revealed boxes by reward tier",
		}, []string{"tier"}),
		revealRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reveal_retries_total",
			Help:      "Reveal attempts retried after a network-class error",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_reveals_total",
			Help:      "Reveals served by the fallback gateway",
		}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_notifications_total",
			Help:      "Refund notifications sent for failed boxes",
		}),
		revealLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reveal_latency_seconds",
			Help:      "Time from commit to a revealed value",
			Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "boxes_in_flight",
			Help:      "Boxes currently running in a window",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to recover box state from snapshot and WAL",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.committed, c.revealed, c.settled, c.failed, c.tiers,
		c.revealRetries, c.fallbacks, c.refunds,
		c.revealLatency, c.inFlight, c.recoveryTime,
	)
	return c
}

// RecordCommitted 記錄盒子承諾
func (c *Collector) RecordCommitted() {
	c.committed.Inc()
}

// RecordRevealed 記錄揭示結果與延遲
func (c *Collector) RecordRevealed(tier types.Tier, latency time.Duration) {
	c.revealed.Inc()
	c.tiers.WithLabelValues(tier.String()).Inc()
	c.revealLatency.Observe(latency.Seconds())
}

// RecordSettled 記錄結算
func (c *Collector) RecordSettled() {
	c.settled.Inc()
}

// RecordFailed 記錄失敗的階段
func (c *Collector) RecordFailed(phase string) {
	c.failed.WithLabelValues(phase).Inc()
}

// RecordRefundNotified 記錄退款通知
func (c *Collector) RecordRefundNotified() {
	c.refunds.Inc()
}

// RecordRevealRetry 記錄一次揭示重試
func (c *Collector) RecordRevealRetry() {
	c.revealRetries.Inc()
}

// RecordFallback 記錄一次備援揭示
func (c *Collector) RecordFallback() {
	c.fallbacks.Inc()
}

// SetInFlight 設置窗口中執行的盒子數
func (c *Collector) SetInFlight(n int) {
	c.inFlight.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Handler 回傳 gatherer 的 /metrics handler
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: 指標來源，nil 時使用預設
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
