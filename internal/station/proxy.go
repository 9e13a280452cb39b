package station

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mes-line-demo/internal/event"
	"mes-line-demo/internal/fsm"
	"mes-line-demo/internal/link"
	"mes-line-demo/internal/types"
	"mes-line-demo/internal/util"
)

// Delays 汇集代理使用的各个固定等待间隔
// 核心算法不依赖具体数值，测试时可缩短到毫秒级
type Delays struct {
	ConnectRetry  time.Duration // 连接/订阅失败后的重试间隔
	CallRetry     time.Duration // 命令失败后的重试间隔
	ReconnectWait time.Duration // 重连期间发起命令前的等待间隔
	FaultRecovery time.Duration // 故障自动复位前的延时（模拟人工干预）
}

// DefaultDelays 返回生产环境的默认间隔
func DefaultDelays() Delays {
	return Delays{
		ConnectRetry:  10 * time.Second,
		CallRetry:     2 * time.Second,
		ReconnectWait: 2 * time.Second,
		FaultRecovery: 60 * time.Second,
	}
}

// Proxy 是单个工站的本地代理
// 负责会话生命周期、状态镜像与带重试的远程命令；
// 状态镜像 state 由协调器的工站控制锁 ctl 串行化访问
type Proxy struct {
	role    types.StationRole
	state   *types.StationState
	ctl     *sync.Mutex // 工站控制锁，与协调器及其余代理共享
	client  link.Client
	machine *fsm.Machine
	sess    link.Session
	bus     *event.Bus
	delays  Delays
	logger  *slog.Logger
}

// NewProxy 创建工站代理
// ctl 必须是协调器持有的那把工站控制锁
func NewProxy(role types.StationRole, endpoint string, client link.Client, ctl *sync.Mutex, bus *event.Bus, delays Delays, logger *slog.Logger) *Proxy {
	return &Proxy{
		role:    role,
		state:   &types.StationState{Role: role, Endpoint: endpoint},
		ctl:     ctl,
		client:  client,
		machine: fsm.New(string(role)),
		bus:     bus,
		delays:  delays,
		logger:  logger.With("component", "station-proxy", "station", role),
	}
}

// Role 返回工站角色
func (p *Proxy) Role() types.StationRole {
	return p.role
}

// State 返回工站状态镜像
// 调用方必须在持有工站控制锁的前提下读写
func (p *Proxy) State() *types.StationState {
	return p.state
}

// IsDisconnected 在重连进行期间为 true
func (p *Proxy) IsDisconnected() bool {
	return p.machine.Current() != fsm.StateConnected
}

// Connect 建立会话并订阅状态变更，失败后固定延时重试，直到成功或停机
// 成功返回 nil；仅在停机信号触发时返回 ctx 的错误
func (p *Proxy) Connect(ctx context.Context) error {
	if err := p.machine.Fire(fsm.EventDial); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			p.machine.Fire(fsm.EventShutdown)
			return ctx.Err()
		}

		sess, err := p.client.Connect(ctx, p.state.Endpoint)
		if err != nil {
			p.logger.Error("建立工站会话失败，稍后重试", "error", err, "delay", p.delays.ConnectRetry)
			if !util.Sleep(ctx, p.delays.ConnectRetry) {
				p.machine.Fire(fsm.EventShutdown)
				return ctx.Err()
			}
			p.machine.Fire(fsm.EventDial)
			continue
		}

		if err := p.syncMirror(sess); err != nil {
			p.logger.Error("读取工站初始状态失败，稍后重试", "error", err)
			sess.Close()
			if !util.Sleep(ctx, p.delays.ConnectRetry) {
				p.machine.Fire(fsm.EventShutdown)
				return ctx.Err()
			}
			p.machine.Fire(fsm.EventDial)
			continue
		}

		if err := sess.Subscribe(link.NodeStatus, func(raw uint64) {
			p.handleStatus(ctx, types.StationStatus(raw))
		}); err != nil {
			p.logger.Error("订阅工站状态失败，稍后重试", "error", err)
			sess.Close()
			if !util.Sleep(ctx, p.delays.ConnectRetry) {
				p.machine.Fire(fsm.EventShutdown)
				return ctx.Err()
			}
			p.machine.Fire(fsm.EventDial)
			continue
		}

		p.sess = sess
		p.machine.Fire(fsm.EventEstablished)
		go p.watchSession(ctx, sess)

		p.ctl.Lock()
		status, serial := p.state.Status, p.state.SerialNumber
		p.ctl.Unlock()
		p.bus.Publish(event.Event{Type: event.StationConnected, Role: p.role, Status: status, Serial: serial})
		return nil
	}
}

// Close 关闭底层会话
func (p *Proxy) Close() {
	if p.sess != nil {
		p.sess.Close()
	}
}

// syncMirror 读取远端的状态与序列号并在锁内刷新本地镜像
// 刷新后置位 AwaitingSub：订阅建立后的首条通知只是这次读取的回放，必须忽略
func (p *Proxy) syncMirror(sess link.Session) error {
	rawStatus, err := sess.ReadValue(link.NodeStatus)
	if err != nil {
		return fmt.Errorf("读取状态节点失败: %w", err)
	}
	serial, err := sess.ReadValue(link.NodeSerialNumber)
	if err != nil {
		return fmt.Errorf("读取序列号节点失败: %w", err)
	}

	p.ctl.Lock()
	p.state.Status = types.StationStatus(rawStatus)
	p.state.SerialNumber = serial
	p.state.AwaitingSub = true
	p.ctl.Unlock()
	return nil
}

// watchSession 消费会话生命周期事件，维护连接状态机
func (p *Proxy) watchSession(ctx context.Context, sess link.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sess.Events():
			if !ok {
				return
			}
			switch e.Kind {
			case link.EventKeepAliveFailed:
				p.machine.Fire(fsm.EventKeepAliveFailed)
				p.bus.Publish(event.Event{Type: event.StationReconnect, Role: p.role})
			case link.EventReconnected:
				// 断线期间可能错过状态变更，重连后重新同步镜像
				if err := p.syncMirror(sess); err != nil {
					p.logger.Error("重连后同步工站状态失败", "error", err)
				}
				p.machine.Fire(fsm.EventReconnected)
				p.bus.Publish(event.Event{Type: event.StationRecovered, Role: p.role})
			}
		}
	}
}

// Execute 命令工站开始加工指定序列号的工件
func (p *Proxy) Execute(ctx context.Context, shiftNumber int, serial uint64) {
	p.call(ctx, link.MethodExecute, uint64(shiftNumber), serial)
}

// Reset 命令工站复位到就绪状态
func (p *Proxy) Reset(ctx context.Context) {
	p.call(ctx, link.MethodReset)
}

// OpenPressureReleaseValve 命令工站打开泄压阀
func (p *Proxy) OpenPressureReleaseValve(ctx context.Context) {
	p.call(ctx, link.MethodOpenPressureReleaseValve)
}

// call 发起远程调用，失败后固定延时无限重试，仅停机可以中断
// 重连进行期间不发起调用，等待后重新检查
func (p *Proxy) call(ctx context.Context, method link.MethodID, args ...uint64) {
	logger := p.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if p.IsDisconnected() {
			if !util.Sleep(ctx, p.delays.ReconnectWait) {
				return
			}
			continue
		}

		code, err := p.sess.Call(method, args...)
		if err == nil && code.Good() {
			return
		}
		if err == nil {
			err = fmt.Errorf("远端返回结果码 %d", code)
		}
		logger.Error("远程命令失败，稍后重试", "method", method, "error", err, "delay", p.delays.CallRetry)
		p.bus.Publish(event.Event{Type: event.CommandRetried, Role: p.role, Method: string(method), Error: err})

		if !util.Sleep(ctx, p.delays.CallRetry) {
			return
		}
	}
}

// handleStatus 处理状态变更通知，在会话的派发 goroutine 中执行
// 决策与镜像更新在工站控制锁内完成；命令在释放锁之后发出，
// 避免命令自身的重试循环长期占用锁
func (p *Proxy) handleStatus(ctx context.Context, status types.StationStatus) {
	defer func() {
		if r := recover(); r != nil {
			p.bus.Publish(event.Event{Type: event.InternalLogicError, Role: p.role, Error: fmt.Errorf("通知处理器异常: %v", r)})
		}
	}()

	if !status.Valid() {
		p.bus.Publish(event.Event{Type: event.ProtocolViolation, Role: p.role, Status: status})
		return
	}

	for _, cmd := range p.decide(ctx, status) {
		cmd()
	}
}

// decide 在工站控制锁内更新镜像并选出要发出的命令
func (p *Proxy) decide(ctx context.Context, status types.StationStatus) []func() {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if p.state.AwaitingSub {
		// 首条通知是订阅时读取值的回放，不是真实的状态转移
		p.state.AwaitingSub = false
		return nil
	}

	p.state.Status = status
	p.bus.Publish(event.Event{Type: event.StatusChanged, Role: p.role, Status: status, Serial: p.state.SerialNumber})

	switch p.role {
	case types.RoleAssembly:
		return p.assemblyTransition(ctx, status)
	case types.RoleTest:
		return p.testTransition(ctx, status)
	case types.RolePackaging:
		return p.packagingTransition(ctx, status)
	}
	return nil
}

// assemblyTransition 装配站的状态转移决策，调用方持有工站控制锁
// READY 表示工位空闲：分配下一个序列号并立即开工
func (p *Proxy) assemblyTransition(ctx context.Context, status types.StationStatus) []func() {
	switch status {
	case types.StatusReady:
		p.state.SerialNumber++
		serial := p.state.SerialNumber
		shiftNumber := p.state.CurrentShift
		p.logger.Info("装配站空闲，投放新工件", "serial", serial, "shift", shiftNumber)
		return []func(){func() { p.Execute(ctx, shiftNumber, serial) }}
	case types.StatusDiscarded:
		p.logger.Warn("装配站工件判废，复位工站", "serial", p.state.SerialNumber)
		return []func(){func() { p.Reset(ctx) }}
	case types.StatusFault:
		go p.faultRecovery(ctx)
	case types.StatusWorkInProgress, types.StatusDone:
		// 流转由协调器的 tick 负责，这里不做处理
	}
	return nil
}

// testTransition 测试站的状态转移决策，调用方持有工站控制锁
// DONE 的流转由协调器负责，这里只处理判废与故障
func (p *Proxy) testTransition(ctx context.Context, status types.StationStatus) []func() {
	switch status {
	case types.StatusDiscarded:
		p.logger.Warn("测试站工件判废，复位工站", "serial", p.state.SerialNumber)
		return []func(){func() { p.Reset(ctx) }}
	case types.StatusFault:
		go p.faultRecovery(ctx)
	case types.StatusReady, types.StatusWorkInProgress, types.StatusDone:
	}
	return nil
}

// packagingTransition 包装站的状态转移决策，调用方持有工站控制锁
// 包装是产线终点，完成与判废都直接释放工位
func (p *Proxy) packagingTransition(ctx context.Context, status types.StationStatus) []func() {
	switch status {
	case types.StatusDone:
		p.bus.Publish(event.Event{Type: event.ProductCompleted, Role: p.role, Serial: p.state.SerialNumber})
		return []func(){func() { p.Reset(ctx) }}
	case types.StatusDiscarded:
		p.logger.Warn("包装站工件判废，复位工站", "serial", p.state.SerialNumber)
		return []func(){func() { p.Reset(ctx) }}
	case types.StatusFault:
		go p.faultRecovery(ctx)
	case types.StatusReady, types.StatusWorkInProgress:
	}
	return nil
}

// faultRecovery 故障后的自动复位，模拟人工干预
// 独立 goroutine 中延时执行，不阻塞通知处理；
// 与并发 tick 之间的竞态是可容忍的：Reset 幂等且带重试
func (p *Proxy) faultRecovery(ctx context.Context) {
	p.logger.Warn("工站故障，等待自动复位", "delay", p.delays.FaultRecovery)
	if !util.Sleep(ctx, p.delays.FaultRecovery) {
		return
	}
	if p.role == types.RoleAssembly {
		// 装配腔体带压，复位前必须先泄压
		p.logger.Info("故障恢复延时结束，泄压后复位工站")
		p.OpenPressureReleaseValve(ctx)
	} else {
		p.logger.Info("故障恢复延时结束，复位工站")
	}
	p.Reset(ctx)
}
