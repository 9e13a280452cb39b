package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"mes-line-demo/internal/simulator"
	"mes-line-demo/internal/types"
)

// main 是模拟工站服务的入口
// 每个进程模拟一个工站，通过 WebSocket 对外提供工站协议
func main() {
	var (
		addr         = flag.String("addr", ":9091", "监听地址")
		role         = flag.String("role", string(types.RoleAssembly), "工站角色")
		workMinMs    = flag.Int("work-min-ms", 3000, "单件加工耗时下限")
		workMaxMs    = flag.Int("work-max-ms", 5000, "单件加工耗时上限")
		discardRatio = flag.Float64("discard-ratio", 0.05, "判废概率")
		faultRatio   = flag.Float64("fault-ratio", 0.02, "故障概率")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "station-server")
	slog.SetDefault(logger)

	st := simulator.New(simulator.Config{
		Role:            types.StationRole(*role),
		WorkDurationMin: time.Duration(*workMinMs) * time.Millisecond,
		WorkDurationMax: time.Duration(*workMaxMs) * time.Millisecond,
		DiscardRatio:    *discardRatio,
		FaultRatio:      *faultRatio,
	}, logger)

	http.HandleFunc("/station", st.ServeWS)

	logger.Info("=== 模拟工站服务启动 ===", "role", *role, "addr", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("服务启动失败", "error", err)
	}
}
