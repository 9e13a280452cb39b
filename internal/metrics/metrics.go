package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// SlotsArmedTotal 计数器：已武装的生产槽位总数
	// 槽位序号单调递增，用于观测产线节拍
	SlotsArmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mes_production_slots_armed_total",
		Help: "The total number of production slots armed by the coordinator",
	})

	// StationStatusGauge 仪表盘：各工站最近一次观测到的状态值
	StationStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mes_station_status",
		Help: "Last observed status value of each station",
	}, []string{"station"})

	// StationReconnectsTotal 计数器：各工站保活失败触发的重连次数
	StationReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_station_reconnects_total",
		Help: "The total number of keep-alive triggered reconnects per station",
	}, []string{"station"})

	// CommandRetriesTotal 计数器：远程命令的重试次数
	// 按工站和方法分类，用于定位不稳定的工站
	CommandRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_command_retries_total",
		Help: "The total number of remote command retries",
	}, []string{"station", "method"})

	// ProductsCompletedTotal 计数器：走完整条产线的工件总数
	ProductsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mes_products_completed_total",
		Help: "The total number of products that traversed the whole line",
	})
)
