package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	TCPAccepted      prometheus.Counter
	TCPBytesReceived prometheus.Counter
	MessageTotal     *prometheus.CounterVec // labels: fun
	UnknownDropped   prometheus.Counter     // 未知功能码丢弃计数
	OnlineGauge      prometheus.Gauge       // 当前在线机柜数
	HeartbeatTotal   prometheus.Counter     // 上行心跳计数
	CommandTotal     *prometheus.CounterVec // labels: cmd, result=ok|fail|timeout|not_connected
	OfflineSwept     prometheus.Counter     // 离线扫描置离线的机柜数
	VendorSyncTotal  *prometheus.CounterVec // labels: result=ok|error|skipped
	RentalCompleted  prometheus.Counter     // 归还完结的租借单数
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted TCP connections.",
		}),
		TCPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Total bytes received over TCP.",
		}),
		MessageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protocol_message_total",
			Help: "Routed cabinet messages by function code.",
		}, []string{"fun"}),
		UnknownDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "protocol_unknown_dropped_total",
			Help: "Messages dropped due to unknown function code.",
		}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_online_count",
			Help: "Current number of online cabinets.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_heartbeat_total",
			Help: "Total heartbeats observed.",
		}),
		CommandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "command_total",
			Help: "Issued cabinet commands by result.",
		}, []string{"cmd", "result"}),
		OfflineSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_swept_total",
			Help: "Cabinets transitioned to OFFLINE by the sweep.",
		}),
		VendorSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendor_sync_total",
			Help: "Vendor directory sync runs by result.",
		}, []string{"result"}),
		RentalCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_completed_total",
			Help: "Rentals completed by RETURN messages.",
		}),
	}
	reg.MustRegister(
		m.TCPAccepted, m.TCPBytesReceived, m.MessageTotal, m.UnknownDropped,
		m.OnlineGauge, m.HeartbeatTotal, m.CommandTotal, m.OfflineSwept,
		m.VendorSyncTotal, m.RentalCompleted,
	)
	return m
}
