package handlers

import (
	"log/slog"

	"mes-line-demo/internal/event"
	"mes-line-demo/internal/metrics"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将监控与审计日志从协调逻辑中解耦
func RegisterEventHandlers(bus *event.Bus, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(event.StatusChanged, func(e event.Event) {
		metrics.StationStatusGauge.WithLabelValues(string(e.Role)).Set(float64(e.Status))
	})
	bus.Subscribe(event.StationReconnect, func(e event.Event) {
		metrics.StationReconnectsTotal.WithLabelValues(string(e.Role)).Inc()
	})
	bus.Subscribe(event.CommandRetried, func(e event.Event) {
		metrics.CommandRetriesTotal.WithLabelValues(string(e.Role), e.Method).Inc()
	})
	bus.Subscribe(event.SlotArmed, func(e event.Event) {
		metrics.SlotsArmedTotal.Inc()
	})
	bus.Subscribe(event.ProductCompleted, func(e event.Event) {
		metrics.ProductsCompletedTotal.Inc()
	})

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.StationConnected, func(e event.Event) {
		logger.Info("工站连接就绪", "station", e.Role, "status", e.Status, "serial", e.Serial)
	})
	bus.Subscribe(event.StationReconnect, func(e event.Event) {
		logger.Error("工站保活失败，后台重连中", "station", e.Role)
	})
	bus.Subscribe(event.StationRecovered, func(e event.Event) {
		logger.Info("工站重连成功", "station", e.Role)
	})
	bus.Subscribe(event.ProductAdvanced, func(e event.Event) {
		logger.Info("工件前移一站", "station", e.Role, "serial", e.Serial)
	})
	bus.Subscribe(event.ProductCompleted, func(e event.Event) {
		logger.Info("工件下线", "serial", e.Serial)
	})
	bus.Subscribe(event.ProductionBlocked, func(e event.Event) {
		logger.Warn("产线暂停，等待工站恢复稳定", "station", e.Role, "status", e.Status)
	})
	bus.Subscribe(event.ProtocolViolation, func(e event.Event) {
		logger.Error("收到协议范围外的状态值", "station", e.Role, "value", int32(e.Status))
	})
	bus.Subscribe(event.InternalLogicError, func(e event.Event) {
		logger.Error("协调逻辑内部异常", "station", e.Role, "error", e.Error)
	})
}
