package station

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-line-demo/internal/event"
	"mes-line-demo/internal/link"
	"mes-line-demo/internal/types"
)

// fakeCall 记录一次远程调用
type fakeCall struct {
	Method link.MethodID
	Args   []uint64
}

// fakeSession 是 link.Session 的内存假实现
// notify 模拟传输层线程投递状态变更通知
type fakeSession struct {
	mu        sync.Mutex
	values    map[link.NodeID]uint64
	calls     []fakeCall
	failCalls int // 前 N 次调用返回失败
	handler   func(uint64)
	events    chan link.Event
}

func newFakeSession(status types.StationStatus, serial uint64) *fakeSession {
	return &fakeSession{
		values: map[link.NodeID]uint64{
			link.NodeStatus:       uint64(status),
			link.NodeSerialNumber: serial,
		},
		events: make(chan link.Event, 8),
	}
}

func (s *fakeSession) ReadValue(node link.NodeID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[node]
	if !ok {
		return 0, fmt.Errorf("未知节点 %s", node)
	}
	return v, nil
}

func (s *fakeSession) Call(method link.MethodID, args ...uint64) (link.StatusCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fakeCall{Method: method, Args: args})
	if s.failCalls > 0 {
		s.failCalls--
		return link.CodeBad, nil
	}
	return link.CodeGood, nil
}

func (s *fakeSession) Subscribe(node link.NodeID, handler func(uint64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

func (s *fakeSession) Events() <-chan link.Event { return s.events }
func (s *fakeSession) Close() error              { return nil }

// notify 模拟远端推送一条状态变更，处理器同步执行
func (s *fakeSession) notify(status types.StationStatus) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	handler(uint64(status))
}

// callCount 统计指定方法的调用次数
func (s *fakeSession) callCount(method link.MethodID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// methods 按调用顺序返回所有方法名
func (s *fakeSession) methods() []link.MethodID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]link.MethodID, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Method)
	}
	return out
}

// lastCall 返回最近一次调用
func (s *fakeSession) lastCall() fakeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return fakeCall{}
	}
	return s.calls[len(s.calls)-1]
}

// fakeClient 是 link.Client 的内存假实现，前 N 次连接失败
type fakeClient struct {
	mu          sync.Mutex
	sess        *fakeSession
	connectErrs int
	attempts    int
}

func (c *fakeClient) Connect(ctx context.Context, endpoint string) (link.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.connectErrs > 0 {
		c.connectErrs--
		return nil, fmt.Errorf("模拟连接失败")
	}
	return c.sess, nil
}

// testDelays 返回毫秒级的测试间隔
func testDelays() Delays {
	return Delays{
		ConnectRetry:  time.Millisecond,
		CallRetry:     time.Millisecond,
		ReconnectWait: time.Millisecond,
		FaultRecovery: 20 * time.Millisecond,
	}
}

// newTestProxy 构造指定角色的被测代理
func newTestProxy(t *testing.T, role types.StationRole, sess *fakeSession, connectErrs int) (*Proxy, *sync.Mutex) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	ctl := &sync.Mutex{}
	client := &fakeClient{sess: sess, connectErrs: connectErrs}
	return NewProxy(role, "fake://station", client, ctl, event.NewBus(), testDelays(), logger), ctl
}

// testWriter 把日志输出转发给 testing.T
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestProxyConnect_RetriesUntilSuccess(t *testing.T) {
	sess := newFakeSession(types.StatusReady, 41)
	p, ctl := newTestProxy(t, types.RoleAssembly, sess, 2)

	require.NoError(t, p.Connect(context.Background()))

	ctl.Lock()
	defer ctl.Unlock()
	assert.Equal(t, types.StatusReady, p.State().Status, "连接后应当镜像远端状态")
	assert.Equal(t, uint64(41), p.State().SerialNumber)
	assert.True(t, p.State().AwaitingSub, "订阅后的首条通知应当被标记为待忽略")
	assert.False(t, p.IsDisconnected())
}

func TestProxyConnect_ShutdownAborts(t *testing.T) {
	sess := newFakeSession(types.StatusReady, 0)
	p, _ := newTestProxy(t, types.RoleAssembly, sess, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Connect(ctx)
	assert.Error(t, err, "停机信号应当中断连接重试")
}

func TestProxy_FirstNotificationIgnored(t *testing.T) {
	sess := newFakeSession(types.StatusReady, 7)
	p, ctl := newTestProxy(t, types.RoleTest, sess, 0)
	require.NoError(t, p.Connect(context.Background()))

	// 首条通知是订阅时读取值的回放，不触发任何决策
	sess.notify(types.StatusDiscarded)
	ctl.Lock()
	assert.Equal(t, types.StatusReady, p.State().Status)
	assert.False(t, p.State().AwaitingSub)
	ctl.Unlock()
	assert.Equal(t, 0, sess.callCount(link.MethodReset))

	// 第二条通知是真实的状态转移
	sess.notify(types.StatusDiscarded)
	ctl.Lock()
	assert.Equal(t, types.StatusDiscarded, p.State().Status)
	ctl.Unlock()
	assert.Equal(t, 1, sess.callCount(link.MethodReset))
}

func TestProxyAssembly_ReadyStartsNextProduct(t *testing.T) {
	sess := newFakeSession(types.StatusWorkInProgress, 5)
	p, ctl := newTestProxy(t, types.RoleAssembly, sess, 0)
	require.NoError(t, p.Connect(context.Background()))

	ctl.Lock()
	p.State().AwaitingSub = false
	p.State().CurrentShift = 2
	ctl.Unlock()

	// 装配站空闲：序列号加一并立即投放
	sess.notify(types.StatusReady)

	ctl.Lock()
	assert.Equal(t, uint64(6), p.State().SerialNumber)
	ctl.Unlock()
	require.Equal(t, 1, sess.callCount(link.MethodExecute))
	assert.Equal(t, []uint64{2, 6}, sess.lastCall().Args, "Execute 参数应当是 (shift, serial)")
}

func TestProxyAssembly_DoneIsNoop(t *testing.T) {
	sess := newFakeSession(types.StatusWorkInProgress, 5)
	p, ctl := newTestProxy(t, types.RoleAssembly, sess, 0)
	require.NoError(t, p.Connect(context.Background()))
	ctl.Lock()
	p.State().AwaitingSub = false
	ctl.Unlock()

	// DONE 的流转由协调器负责，处理器不发命令
	sess.notify(types.StatusDone)
	assert.Equal(t, 0, sess.callCount(link.MethodExecute))
	assert.Equal(t, 0, sess.callCount(link.MethodReset))
}

func TestProxyPackaging_DoneFreesStation(t *testing.T) {
	sess := newFakeSession(types.StatusWorkInProgress, 9)
	p, ctl := newTestProxy(t, types.RolePackaging, sess, 0)
	require.NoError(t, p.Connect(context.Background()))
	ctl.Lock()
	p.State().AwaitingSub = false
	ctl.Unlock()

	// 包装是终点站：完成即复位释放工位
	sess.notify(types.StatusDone)
	assert.Equal(t, 1, sess.callCount(link.MethodReset))

	sess.notify(types.StatusDiscarded)
	assert.Equal(t, 2, sess.callCount(link.MethodReset))
}

func TestProxy_FaultTriggersDelayedReset(t *testing.T) {
	sess := newFakeSession(types.StatusWorkInProgress, 3)
	p, ctl := newTestProxy(t, types.RoleTest, sess, 0)
	require.NoError(t, p.Connect(context.Background()))
	ctl.Lock()
	p.State().AwaitingSub = false
	ctl.Unlock()

	// 故障处理不阻塞通知线程，复位在延时后发生
	sess.notify(types.StatusFault)
	assert.Equal(t, 0, sess.callCount(link.MethodReset), "延时未到不应复位")

	assert.Eventually(t, func() bool {
		return sess.callCount(link.MethodReset) == 1
	}, time.Second, 5*time.Millisecond, "故障恢复延时后应当自动复位")
}

func TestProxyAssembly_FaultVentsBeforeReset(t *testing.T) {
	sess := newFakeSession(types.StatusWorkInProgress, 2)
	p, ctl := newTestProxy(t, types.RoleAssembly, sess, 0)
	require.NoError(t, p.Connect(context.Background()))
	ctl.Lock()
	p.State().AwaitingSub = false
	ctl.Unlock()

	sess.notify(types.StatusFault)
	assert.Eventually(t, func() bool {
		return sess.callCount(link.MethodReset) == 1
	}, time.Second, 5*time.Millisecond)

	// 装配腔体带压，复位前必须先泄压
	methods := sess.methods()
	require.Len(t, methods, 2)
	assert.Equal(t, link.MethodOpenPressureReleaseValve, methods[0])
	assert.Equal(t, link.MethodReset, methods[1])
}

func TestProxyCall_RetriesOnBadStatus(t *testing.T) {
	sess := newFakeSession(types.StatusReady, 0)
	sess.failCalls = 2
	p, _ := newTestProxy(t, types.RoleAssembly, sess, 0)
	require.NoError(t, p.Connect(context.Background()))

	// 前两次失败后第三次成功，调用方对失败无感知
	p.Execute(context.Background(), 1, 10)
	assert.Equal(t, 3, sess.callCount(link.MethodExecute))
}

func TestProxy_ReconnectBlocksCalls(t *testing.T) {
	sess := newFakeSession(types.StatusReady, 0)
	p, _ := newTestProxy(t, types.RoleAssembly, sess, 0)
	require.NoError(t, p.Connect(context.Background()))

	// 保活失败进入重连，命令被挂起
	sess.events <- link.Event{Kind: link.EventKeepAliveFailed}
	assert.Eventually(t, func() bool { return p.IsDisconnected() }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Reset(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("重连期间不应发起远程调用")
	case <-time.After(20 * time.Millisecond):
	}

	// 重连成功后调用放行
	sess.events <- link.Event{Kind: link.EventReconnected}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("重连成功后调用应当完成")
	}
	assert.False(t, p.IsDisconnected())
}

func TestProxy_InvalidStatusIgnored(t *testing.T) {
	sess := newFakeSession(types.StatusReady, 0)
	p, ctl := newTestProxy(t, types.RoleTest, sess, 0)
	require.NoError(t, p.Connect(context.Background()))
	ctl.Lock()
	p.State().AwaitingSub = false
	ctl.Unlock()

	// 协议范围外的值只记录错误，镜像保持最后已知状态
	sess.notify(types.StationStatus(99))
	ctl.Lock()
	assert.Equal(t, types.StatusReady, p.State().Status)
	ctl.Unlock()
	assert.Equal(t, 0, sess.callCount(link.MethodReset))
}
