package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Robot 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobSubmittedTotal, JobTerminalTotal, JobStateGauge,
		ClaimTotal, ClaimBatchSize, ClaimLatency,
		LeaseExtendTotal, LeaseRecoveredTotal, RetryScheduledTotal,
		RobotOnlineGauge, HeartbeatTotal,
		EventPublishedTotal, EventDroppedTotal,
		JobDuration,
	)
}

// JobSubmittedTotal 提交的 Job 总数（按租户）
var JobSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_job_submitted_total",
		Help: "提交的 Job 总数",
	},
	[]string{"tenant"},
)

// JobTerminalTotal 到达终态的 Job 总数（按终态）
var JobTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_job_terminal_total",
		Help: "到达终态的 Job 总数",
	},
	[]string{"status"}, // completed | cancelled | dead_letter
)

// JobStateGauge 各状态 Job 数量（recovery worker 周期刷新）
var JobStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "orch_job_state",
		Help: "各状态 Job 数量",
	},
	[]string{"status"},
)

// ClaimTotal Claim 调用总数（是否取到 job）
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_claim_total",
		Help: "Claim 调用总数",
	},
	[]string{"environment", "nonempty"}, // nonempty: true | false
)

// ClaimBatchSize 单次 Claim 实际取得的 job 数
var ClaimBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "orch_claim_batch_size",
		Help:    "单次 Claim 实际取得的 job 数",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	},
)

// ClaimLatency Claim 耗时（秒）；skip-locked 竞争的主要观测点
var ClaimLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "orch_claim_duration_seconds",
		Help:    "Claim 耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// LeaseExtendTotal 续租调用总数（按结果）
var LeaseExtendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_lease_extend_total",
		Help: "续租调用总数",
	},
	[]string{"ok"}, // true | false
)

// LeaseRecoveredTotal recovery 回收的过期租约总数
var LeaseRecoveredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orch_lease_recovered_total",
		Help: "recovery 回收的过期租约总数",
	},
)

// RetryScheduledTotal 安排重试的总数
var RetryScheduledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orch_retry_scheduled_total",
		Help: "安排重试的总数",
	},
)

// RobotOnlineGauge 在线（心跳未超时）robot 数
var RobotOnlineGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "orch_robot_online",
		Help: "在线 robot 数",
	},
)

// HeartbeatTotal 心跳总数
var HeartbeatTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orch_heartbeat_total",
		Help: "心跳总数",
	},
)

// EventPublishedTotal 通知总线发布事件总数（按 kind）
var EventPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_event_published_total",
		Help: "通知总线发布事件总数",
	},
	[]string{"kind"},
)

// EventDroppedTotal 慢订阅者导致的丢弃事件总数（lossy 通道）
var EventDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_event_dropped_total",
		Help: "慢订阅者导致的丢弃事件总数",
	},
	[]string{"subscriber"},
)

// JobDuration Job 从 claim 到终态的耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orch_job_duration_seconds",
		Help:    "Job 从 claim 到终态的耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"status"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
