// ============================================================================
// Routing Simulation Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集模擬運行指標，通過 /metrics 暴露或推送到 Pushgateway
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - routesim_attempts_total{disposition}: 按處置結果統計的路由嘗試
//      - routesim_calls_total: 已模擬的來電數
//      - routesim_flagged_total{kind}: 被標記的來電，按原因類別
//      - routesim_trials_total: 完成的試驗數
//
//   2. 分佈 (Histogram)：
//      - routesim_pickup_probability: 評分器輸出的接聽概率
//      - routesim_trial_duration_seconds: 單次試驗耗時
//
//   3. 瞬時值 (Gauge)：
//      - routesim_queue_depth: 事件佇列深度
//      - routesim_recovery_time_seconds: 最近一次 ledger 恢復耗時
//
// Prometheus 查詢示例:
//
//   # 各處置結果佔比
//   sum by (disposition) (routesim_attempts_total) / ignoring(disposition) group_left sum(routesim_attempts_total)
//
//   # 標記率
//   sum(routesim_flagged_total) / routesim_calls_total
//
// 每個 Collector 使用自己的 Registry，測試和多次試驗之間互不干擾。
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
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

const namespace = "routesim"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 計數器
	attempts *prometheus.CounterVec
	calls    prometheus.Counter
	flagged  *prometheus.CounterVec
	trials   prometheus.Counter

	// 分佈
	pickup        prometheus.Histogram
	trialDuration prometheus.Histogram

	// 瞬時值
	queueDepth   prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器，指標註冊在私有 Registry 上
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Routing attempts resolved, by disposition",
		}, []string{"disposition"}),
		calls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls submitted to the simulator",
		}),
		flagged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flagged_total",
			Help:      "Calls flagged as inconsistent, by failure kind",
		}, []string{"kind"}),
		trials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_total",
			Help:      "Simulation trials completed",
		}),
		pickup: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pickup_probability",
			Help:      "Pickup probabilities returned by the scorer",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		trialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trial_duration_seconds",
			Help:      "Wall-clock duration of one simulation trial",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the simulation queue",
		}),
		recoveryTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to recover the ledger journal in seconds",
		}),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveAttempt 記錄一次已解決的嘗試
func (c *Collector) ObserveAttempt(kind types.DispositionKind) {
	c.attempts.WithLabelValues(string(kind)).Inc()
}

// ObserveScore 記錄評分器輸出
func (c *Collector) ObserveScore(p float64) {
	c.pickup.Observe(p)
}

// ObserveFlag 記錄被標記的來電
func (c *Collector) ObserveFlag(kind string) {
	c.flagged.WithLabelValues(kind).Inc()
}

// ObserveQueueDepth 更新佇列深度
func (c *Collector) ObserveQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// RecordTrial 記錄一次試驗完成
func (c *Collector) RecordTrial(calls int, elapsed time.Duration) {
	c.trials.Inc()
	c.calls.Add(float64(calls))
	c.trialDuration.Observe(elapsed.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway under job.
func (c *Collector) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(c.registry).Push(); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	slog.Info("Metrics pushed", "url", url, "job", job)
	return nil
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
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

	slog.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
