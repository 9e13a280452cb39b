package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"mes-line-demo/internal/event"
	"mes-line-demo/internal/link"
	"mes-line-demo/internal/shift"
	"mes-line-demo/internal/station"
	"mes-line-demo/internal/types"
	"mes-line-demo/internal/util"
)

// Config 定义协调器的运行参数
type Config struct {
	SlotInterval  time.Duration // 槽位定时间隔，每次 tick 前的固定等待
	StabilityPoll time.Duration // 工站不稳定时的轮询间隔
	GateRule      string        // 可选的放行规则表达式 (expr 语法)，为空则不启用
}

// Coordinator 拥有工站控制锁、三个工站代理与自驱动的控制循环
// 所有 StationState 的读写与流转决策都在这把锁内串行化
type Coordinator struct {
	mu        sync.Mutex // 工站控制锁
	assembly  *station.Proxy
	test      *station.Proxy
	packaging *station.Proxy

	schedule *shift.Schedule // 班次日历，nil 表示不启用门控、持续生产
	gate     *vm.Program     // 编译后的放行规则，nil 表示不启用
	cfg      Config
	bus      *event.Bus
	logger   *slog.Logger

	currentShift int    // 当前追踪的班次编号
	slotSeq      uint64 // 单调递增的槽位序号
}

// New 创建协调器并构造三个工站代理
// schedule 传 nil 则禁用班次门控；放行规则非法属于配置错误，直接返回
func New(
	client link.Client,
	endpoints map[types.StationRole]string,
	schedule *shift.Schedule,
	delays station.Delays,
	cfg Config,
	bus *event.Bus,
	logger *slog.Logger,
) (*Coordinator, error) {
	c := &Coordinator{
		schedule: schedule,
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With("component", "coordinator"),
	}

	if cfg.GateRule != "" {
		program, err := expr.Compile(cfg.GateRule, expr.Env(gateEnv()))
		if err != nil {
			return nil, fmt.Errorf("编译放行规则失败: %w", err)
		}
		c.gate = program
	}

	for _, role := range types.AllRoles {
		if endpoints[role] == "" {
			return nil, fmt.Errorf("缺少工站 %s 的地址配置", role)
		}
	}
	c.assembly = station.NewProxy(types.RoleAssembly, endpoints[types.RoleAssembly], client, &c.mu, bus, delays, logger)
	c.test = station.NewProxy(types.RoleTest, endpoints[types.RoleTest], client, &c.mu, bus, delays, logger)
	c.packaging = station.NewProxy(types.RolePackaging, endpoints[types.RolePackaging], client, &c.mu, bus, delays, logger)
	return c, nil
}

// Proxies 按产线顺序返回三个工站代理
func (c *Coordinator) Proxies() []*station.Proxy {
	return []*station.Proxy{c.assembly, c.test, c.packaging}
}

// SlotSequence 返回已武装的槽位总数
func (c *Coordinator) SlotSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotSeq
}

// Snapshot 在锁内拷贝三个工站的镜像状态，用于测试与观测
func (c *Coordinator) Snapshot() map[types.StationRole]types.StationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.StationRole]types.StationState, 3)
	for _, p := range c.Proxies() {
		out[p.Role()] = *p.State()
	}
	return out
}

// Run 运行协调器直到停机信号触发
// 流程：并发连接三个工站 -> 启动引导 -> tick 循环
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		for _, p := range c.Proxies() {
			p.Close()
		}
	}()

	var wg sync.WaitGroup
	for _, p := range c.Proxies() {
		wg.Add(1)
		go func(p *station.Proxy) {
			defer wg.Done()
			p.Connect(ctx)
		}(p)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.kickoff(ctx)

	for {
		if !c.armSlot(ctx) {
			c.logger.Info("停机信号已触发，协调器退出")
			return ctx.Err()
		}
		if !util.Sleep(ctx, c.cfg.SlotInterval) {
			c.logger.Info("停机信号已触发，协调器退出")
			return ctx.Err()
		}
		c.tick(ctx)
	}
}

// kickoff 启动引导：只执行一次
// 取三站序列号的最大值加一作为首个工件的序列号，从装配站投放
func (c *Coordinator) kickoff(ctx context.Context) {
	c.mu.Lock()
	serial := uint64(0)
	for _, p := range c.Proxies() {
		if p.State().SerialNumber > serial {
			serial = p.State().SerialNumber
		}
	}
	serial++
	c.assembly.State().SerialNumber = serial
	shiftNumber := c.assembly.State().CurrentShift
	c.mu.Unlock()

	c.logger.Info("产线启动引导，投放首个工件", "serial", serial)
	c.assembly.Execute(ctx, shiftNumber, serial)
}

// armSlot 武装下一个生产槽位
// 依次：等待工站稳定 -> 班次门控 -> 放行规则 -> 递增槽位序号
// 返回 false 表示停机信号已触发，不再武装
func (c *Coordinator) armSlot(ctx context.Context) bool {
	// 任何工站断连或故障时产线整体暂停
	for {
		if ctx.Err() != nil {
			return false
		}
		role, status, unstable := c.unstableStation()
		if !unstable {
			break
		}
		c.bus.Publish(event.Event{Type: event.ProductionBlocked, Role: role, Status: status})
		if !util.Sleep(ctx, c.cfg.StabilityPoll) {
			return false
		}
	}

	if ctx.Err() != nil {
		return false
	}

	if c.schedule != nil && !c.waitForShift(ctx) {
		return false
	}

	if c.gate != nil && !c.waitForGate(ctx) {
		return false
	}

	c.mu.Lock()
	c.slotSeq++
	slot := types.ProductionSlot{SequenceNumber: c.slotSeq, ActiveShift: c.currentShift}
	c.mu.Unlock()
	c.bus.Publish(event.Event{Type: event.SlotArmed, Slot: slot})
	return true
}

// unstableStation 返回第一个不稳定（重连中或故障）的工站
func (c *Coordinator) unstableStation() (types.StationRole, types.StationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.Proxies() {
		if p.IsDisconnected() || p.State().Status == types.StatusFault {
			return p.Role(), p.State().Status, true
		}
	}
	return "", 0, false
}

// waitForShift 阻塞到班次日历允许生产
// 日历返回 0 时睡到下一个边界再询问；班次变化时同步到三个工站
func (c *Coordinator) waitForShift(ctx context.Context) bool {
	for {
		shiftNumber, next := c.schedule.CurrentShift(time.Now())
		if shiftNumber != 0 {
			if shiftNumber != c.currentShift {
				c.currentShift = shiftNumber
				c.mu.Lock()
				for _, p := range c.Proxies() {
					p.State().CurrentShift = shiftNumber
				}
				c.mu.Unlock()
				c.logger.Info("进入新班次", "shift", shiftNumber)
			}
			return true
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		c.logger.Info("当前无班次，生产暂停", "next_boundary", next)
		if !util.Sleep(ctx, wait) {
			return false
		}
	}
}

// waitForGate 阻塞到放行规则评估为真
// 规则评估出错只记录日志并放行，配置问题不应卡死产线
func (c *Coordinator) waitForGate(ctx context.Context) bool {
	for {
		pass, err := c.evalGate()
		if err != nil {
			c.logger.Error("放行规则评估失败，默认放行", "error", err)
			return true
		}
		if pass {
			return true
		}
		if !util.Sleep(ctx, c.cfg.StabilityPoll) {
			return false
		}
	}
}

// gateEnv 返回放行规则可见的变量集合，用于编译期类型检查
func gateEnv() map[string]interface{} {
	return map[string]interface{}{
		"assembly":  "",
		"test":      "",
		"packaging": "",
		"shift":     0,
		"serial":    uint64(0),
	}
}

// evalGate 在锁内取快照后评估放行规则
func (c *Coordinator) evalGate() (bool, error) {
	c.mu.Lock()
	env := map[string]interface{}{
		"assembly":  c.assembly.State().Status.String(),
		"test":      c.test.State().Status.String(),
		"packaging": c.packaging.State().Status.String(),
		"shift":     c.currentShift,
		"serial":    c.assembly.State().SerialNumber,
	}
	c.mu.Unlock()

	result, err := expr.Run(c.gate, env)
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	pass, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return pass, nil
}

// tick 执行一次产线流转 (MesLogic)
// 决策与镜像更新在工站控制锁内完成，命令在释放锁之后发出；
// 任何异常都被吸收，不影响下一个槽位的武装
func (c *Coordinator) tick(ctx context.Context) {
	traceID := util.NewTraceID()
	ctx = util.ContextWithTraceID(ctx, traceID)

	defer func() {
		if r := recover(); r != nil {
			c.bus.Publish(event.Event{Type: event.InternalLogicError, Error: fmt.Errorf("tick 异常: %v", r)})
		}
	}()

	for _, cmd := range c.mesLogic() {
		cmd(ctx)
	}
}

// mesLogic 在工站控制锁内做一轮流转决策
// 装配完成且测试就绪则前移，测试完成且包装就绪则前移，
// 包装终态未被其通知处理器清理时兜底复位
func (c *Coordinator) mesLogic() []func(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var commands []func(context.Context)
	assemblyState := c.assembly.State()
	testState := c.test.State()
	packagingState := c.packaging.State()

	if assemblyState.Status == types.StatusDone && testState.Status == types.StatusReady {
		testState.SerialNumber = assemblyState.SerialNumber
		serial := testState.SerialNumber
		shiftNumber := testState.CurrentShift
		c.bus.Publish(event.Event{Type: event.ProductAdvanced, Role: types.RoleTest, Serial: serial})
		commands = append(commands,
			func(ctx context.Context) { c.test.Execute(ctx, shiftNumber, serial) },
			func(ctx context.Context) { c.assembly.Reset(ctx) },
		)
	}

	if testState.Status == types.StatusDone && packagingState.Status == types.StatusReady {
		packagingState.SerialNumber = testState.SerialNumber
		serial := packagingState.SerialNumber
		shiftNumber := packagingState.CurrentShift
		c.bus.Publish(event.Event{Type: event.ProductAdvanced, Role: types.RolePackaging, Serial: serial})
		commands = append(commands,
			func(ctx context.Context) { c.packaging.Execute(ctx, shiftNumber, serial) },
			func(ctx context.Context) { c.test.Reset(ctx) },
		)
	}

	if packagingState.Status == types.StatusDone {
		commands = append(commands, func(ctx context.Context) { c.packaging.Reset(ctx) })
	}

	return commands
}
