package simulator

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"mes-line-demo/internal/link"
	"mes-line-demo/internal/types"
)

// Config 定义模拟工站的行为参数
type Config struct {
	Role            types.StationRole // 工站角色，仅用于日志
	WorkDurationMin time.Duration     // 单件加工耗时下限
	WorkDurationMax time.Duration     // 单件加工耗时上限
	DiscardRatio    float64           // 加工结束后判废的概率
	FaultRatio      float64           // 加工过程中触发故障的概率
}

// Station 是内存中的模拟工站
// 实现状态机 READY -> WORK_IN_PROGRESS -> {DONE, DISCARDED, FAULT}，
// 供 cmd/station-server 和集成测试复用
type Station struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	status   types.StationStatus
	serial   uint64
	pressure uint64 // 模拟腔体压力，加工时升高，泄压阀清零
	watchers map[int]func(types.StationStatus)
	nextID   int
}

// New 创建一个初始状态为 READY 的模拟工站
func New(cfg Config, logger *slog.Logger) *Station {
	if cfg.WorkDurationMin <= 0 {
		cfg.WorkDurationMin = 500 * time.Millisecond
	}
	if cfg.WorkDurationMax < cfg.WorkDurationMin {
		cfg.WorkDurationMax = cfg.WorkDurationMin
	}
	return &Station{
		cfg:      cfg,
		logger:   logger.With("station", cfg.Role),
		status:   types.StatusReady,
		watchers: make(map[int]func(types.StationStatus)),
	}
}

// Status 返回当前状态
func (st *Station) Status() types.StationStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// SerialNumber 返回当前工件序列号
func (st *Station) SerialNumber() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.serial
}

// Watch 注册状态变更回调，返回取消函数
// 回调在触发状态变更的 goroutine 中同步执行
func (st *Station) Watch(fn func(types.StationStatus)) func() {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.watchLocked(fn)
}

// WatchReplay 注册状态变更回调并立即回放当前状态
// 注册与回放在同一临界区内完成，保证回放先于任何后续变更送达
func (st *Station) WatchReplay(fn func(types.StationStatus)) func() {
	st.mu.Lock()
	defer st.mu.Unlock()
	cancel := st.watchLocked(fn)
	fn(st.status)
	return cancel
}

func (st *Station) watchLocked(fn func(types.StationStatus)) func() {
	id := st.nextID
	st.nextID++
	st.watchers[id] = fn
	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		delete(st.watchers, id)
	}
}

// Execute 接收新工件开始加工
// 仅在 READY 状态下被接受，加工在后台 goroutine 中完成
func (st *Station) Execute(shiftNumber int, serial uint64) link.StatusCode {
	st.mu.Lock()
	if st.status != types.StatusReady {
		st.mu.Unlock()
		st.logger.Warn("拒绝 Execute：工站不在就绪状态", "status", st.status)
		return link.CodeBad
	}
	st.serial = serial
	st.pressure += 10
	st.setStatusLocked(types.StatusWorkInProgress)
	st.mu.Unlock()

	st.logger.Info("开始加工工件", "serial", serial, "shift", shiftNumber)
	go st.work(serial)
	return link.CodeGood
}

// work 模拟一次加工过程
func (st *Station) work(serial uint64) {
	span := st.cfg.WorkDurationMax - st.cfg.WorkDurationMin
	d := st.cfg.WorkDurationMin
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	time.Sleep(d)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != types.StatusWorkInProgress || st.serial != serial {
		// 加工期间被复位，结果作废
		return
	}

	// 模拟随机故障与判废
	switch r := rand.Float64(); {
	case r < st.cfg.FaultRatio:
		st.logger.Warn("工站故障", "serial", serial)
		st.setStatusLocked(types.StatusFault)
	case r < st.cfg.FaultRatio+st.cfg.DiscardRatio:
		st.logger.Warn("工件判废", "serial", serial)
		st.setStatusLocked(types.StatusDiscarded)
	default:
		st.logger.Info("工件加工完成", "serial", serial, "duration", d.Seconds())
		st.setStatusLocked(types.StatusDone)
	}
}

// Reset 将工站复位到就绪状态，对任何状态幂等
func (st *Station) Reset() link.StatusCode {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != types.StatusReady {
		st.logger.Info("工站复位", "from", st.status)
		st.setStatusLocked(types.StatusReady)
	}
	return link.CodeGood
}

// OpenPressureReleaseValve 打开泄压阀，清零模拟压力
func (st *Station) OpenPressureReleaseValve() link.StatusCode {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.logger.Info("打开泄压阀", "pressure", st.pressure)
	st.pressure = 0
	return link.CodeGood
}

// ReadValue 按节点 ID 读取当前值
func (st *Station) ReadValue(node link.NodeID) (uint64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch node {
	case link.NodeStatus:
		return uint64(st.status), true
	case link.NodeSerialNumber:
		return st.serial, true
	default:
		return 0, false
	}
}

// ForceStatus 直接设置状态，仅供测试制造特定场景
func (st *Station) ForceStatus(status types.StationStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.setStatusLocked(status)
}

// setStatusLocked 更新状态并通知所有观察者，调用方必须持有 st.mu
func (st *Station) setStatusLocked(status types.StationStatus) {
	st.status = status
	for _, fn := range st.watchers {
		fn(status)
	}
}
