package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mes-line-demo/internal/config"
	"mes-line-demo/internal/coordinator"
	"mes-line-demo/internal/event"
	"mes-line-demo/internal/handlers"
	"mes-line-demo/internal/link"
	"mes-line-demo/internal/shift"
	"mes-line-demo/internal/station"
)

// main 是应用程序的主入口
func main() {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	// 班次日历是可选的：未配置则产线持续生产
	var schedule *shift.Schedule
	if cfg.Shift != nil {
		schedule, err = shift.NewSchedule(*cfg.Shift)
		if err != nil {
			logger.Error("班次配置非法", "error", err)
			os.Exit(1)
		}
	}

	eventBus := event.NewBus()
	handlers.RegisterEventHandlers(eventBus, logger)

	// 2. 构造协调器与三个工站代理
	delays := station.Delays{
		ConnectRetry:  time.Duration(cfg.ConnectRetryMs) * time.Millisecond,
		CallRetry:     time.Duration(cfg.CallRetryMs) * time.Millisecond,
		ReconnectWait: time.Duration(cfg.ReconnectWaitMs) * time.Millisecond,
		FaultRecovery: time.Duration(cfg.FaultRecoveryMs) * time.Millisecond,
	}
	coordCfg := coordinator.Config{
		SlotInterval:  time.Duration(cfg.SlotIntervalMs) * time.Millisecond,
		StabilityPoll: time.Duration(cfg.StabilityPollMs) * time.Millisecond,
		GateRule:      cfg.GateRule,
	}

	coord, err := coordinator.New(link.NewWSClient(logger), cfg.Endpoints(), schedule, delays, coordCfg, eventBus, logger)
	if err != nil {
		logger.Error("初始化协调器失败", "error", err)
		os.Exit(1)
	}

	logger.Info("=== MES 产线协调系统启动 ===")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	go startMetricsServer(cfg.MetricsListenAddr, coord, logger)

	// 3. 优雅停机
	waitForShutdown(logger, cancel, done)
}

// startMetricsServer 启动指标与状态查询服务器
func startMetricsServer(addr string, coord *coordinator.Coordinator, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coord.Snapshot())
	})

	logger.Info("指标服务器启动", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("指标服务器启动失败", "error", err)
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, done <-chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	cancel()
	<-done
	logger.Info("产线协调结束，系统已安全退出。")
}
