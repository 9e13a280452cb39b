package link

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind 定义会话生命周期事件的类型
type EventKind int

const (
	EventKeepAliveFailed EventKind = iota // 保活失败，后台重连已启动
	EventReconnected                      // 重连成功，订阅已恢复
)

// Event 是会话异步上报给持有方的生命周期事件
type Event struct {
	Kind EventKind
}

// Session 表示与单个工站建立的会话
// 读写调用是同步的；保活失败后会话自动在后台重连并恢复订阅，
// 持有方通过 Events 通道观察 KeepAliveFailed / Reconnected 事件
type Session interface {
	ReadValue(node NodeID) (uint64, error)
	Call(method MethodID, args ...uint64) (StatusCode, error)
	Subscribe(node NodeID, handler func(value uint64)) error
	Events() <-chan Event
	Close() error
}

// Client 抽象工站会话的建立方式，便于测试时注入假实现
type Client interface {
	Connect(ctx context.Context, endpoint string) (Session, error)
}

// WSClient 是基于 WebSocket 的 Client 实现
type WSClient struct {
	logger      *slog.Logger
	PingPeriod  time.Duration // 保活 ping 的发送间隔
	PongWait    time.Duration // 等待 pong 的超时，超时视为保活失败
	RedialDelay time.Duration // 后台重连的重试间隔
	CallTimeout time.Duration // 单次请求的应答超时
}

// NewWSClient 创建带默认保活参数的 WebSocket 客户端
func NewWSClient(logger *slog.Logger) *WSClient {
	return &WSClient{
		logger:      logger.With("component", "link"),
		PingPeriod:  5 * time.Second,
		PongWait:    10 * time.Second,
		RedialDelay: 2 * time.Second,
		CallTimeout: 5 * time.Second,
	}
}

// Connect 建立到工站的会话
// 只负责首次连接；连接建立后的保活与重连由会话自身维护
func (c *WSClient) Connect(ctx context.Context, endpoint string) (Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("连接工站失败: %w", err)
	}

	s := &wsSession{
		client:   c,
		endpoint: endpoint,
		logger:   c.logger.With("endpoint", endpoint),
		conn:     conn,
		pending:  make(map[uint64]chan Response),
		subs:     make(map[NodeID]func(uint64)),
		notifyCh: make(chan Response, 64),
		events:   make(chan Event, 8),
		closed:   make(chan struct{}),
	}
	go s.run()
	go s.dispatchNotifications()
	return s, nil
}

// wsSession 是 Session 的 WebSocket 实现
type wsSession struct {
	client   *WSClient
	endpoint string
	logger   *slog.Logger

	mu      sync.Mutex // 保护 conn、pending、subs、nextID、reconnecting
	conn    *websocket.Conn
	pending map[uint64]chan Response
	subs    map[NodeID]func(uint64)
	nextID  uint64

	notifyCh  chan Response // 通知在独立 goroutine 中派发，避免阻塞读循环
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// ReadValue 同步读取一个节点的当前值
func (s *wsSession) ReadValue(node NodeID) (uint64, error) {
	resp, err := s.roundTrip(Request{Type: MsgRead, Node: node})
	if err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("读取节点 %s 失败: %s", node, resp.Error)
	}
	return resp.Value, nil
}

// Call 同步调用一个工站方法，返回远端结果码
func (s *wsSession) Call(method MethodID, args ...uint64) (StatusCode, error) {
	resp, err := s.roundTrip(Request{Type: MsgCall, Method: method, Args: args})
	if err != nil {
		return CodeBad, err
	}
	if resp.Error != "" {
		return resp.Status, fmt.Errorf("调用方法 %s 失败: %s", method, resp.Error)
	}
	return resp.Status, nil
}

// Subscribe 订阅节点变更，handler 在会话自有的派发 goroutine 中被调用
// 重连成功后订阅会自动恢复，无需再次注册
func (s *wsSession) Subscribe(node NodeID, handler func(uint64)) error {
	s.mu.Lock()
	s.subs[node] = handler
	s.mu.Unlock()

	resp, err := s.roundTrip(Request{Type: MsgSubscribe, Node: node})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("订阅节点 %s 失败: %s", node, resp.Error)
	}
	return nil
}

// Events 返回会话生命周期事件通道
func (s *wsSession) Events() <-chan Event {
	return s.events
}

// Close 关闭会话并终止后台重连
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

func (s *wsSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// roundTrip 发送请求并等待配对的应答
func (s *wsSession) roundTrip(req Request) (Response, error) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return Response{}, fmt.Errorf("会话已关闭")
	}
	s.nextID++
	req.ID = s.nextID
	ch := make(chan Response, 1)
	s.pending[req.ID] = ch
	conn := s.conn
	err := conn.WriteJSON(req)
	s.mu.Unlock()

	if err != nil {
		s.dropPending(req.ID)
		return Response{}, fmt.Errorf("发送请求失败: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(s.client.CallTimeout):
		s.dropPending(req.ID)
		return Response{}, fmt.Errorf("等待应答超时")
	case <-s.closed:
		s.dropPending(req.ID)
		return Response{}, fmt.Errorf("会话已关闭")
	}
}

func (s *wsSession) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// run 维护会话的读循环与保活重连
// 读循环因任何错误退出都视为保活失败，进入后台重连；
// 订阅的恢复必须在新的读循环运行期间进行，否则应答无人读取
func (s *wsSession) run() {
	reconnected := false
	for {
		if reconnected {
			go s.restoreSubscriptions()
		}
		s.readLoop()
		if s.isClosed() {
			return
		}

		s.logger.Error("工站会话保活失败，开始后台重连")
		s.emit(Event{Kind: EventKeepAliveFailed})
		s.failPending()

		if !s.redial() {
			return
		}
		reconnected = true
	}
}

// restoreSubscriptions 在重连后重新下发订阅并宣告恢复
// 任一订阅失败则强制断开连接，交由下一轮重连重试
func (s *wsSession) restoreSubscriptions() {
	s.mu.Lock()
	nodes := make([]NodeID, 0, len(s.subs))
	for node := range s.subs {
		nodes = append(nodes, node)
	}
	conn := s.conn
	s.mu.Unlock()

	for _, node := range nodes {
		resp, err := s.roundTrip(Request{Type: MsgSubscribe, Node: node})
		if err == nil && resp.Error != "" {
			err = fmt.Errorf("%s", resp.Error)
		}
		if err != nil {
			s.logger.Error("恢复订阅失败，重新建立连接", "node", node, "error", err)
			conn.Close()
			return
		}
	}

	s.logger.Info("工站会话重连成功，订阅已恢复")
	s.emit(Event{Kind: EventReconnected})
}

// readLoop 读取并分发报文，直到连接出错
func (s *wsSession) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(s.client.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.client.PongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(conn, stopPing)

	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			return
		}
		switch resp.Type {
		case MsgResult:
			s.mu.Lock()
			ch, ok := s.pending[resp.ID]
			delete(s.pending, resp.ID)
			s.mu.Unlock()
			if ok {
				ch <- resp
			}
		case MsgNotify:
			select {
			case s.notifyCh <- resp:
			default:
				// 通知积压时丢弃最旧语义不可取，记录后丢弃本条，镜像由下次通知修正
				s.logger.Warn("通知队列已满，丢弃一条通知", "node", resp.Node, "value", resp.Value)
			}
		}
	}
}

// pingLoop 周期性发送 ping 帧，pong 超时由读循环的 ReadDeadline 触发
func (s *wsSession) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.client.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.client.PingPeriod))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatchNotifications 在独立 goroutine 中调用订阅回调
// 回调内部可能再次发起同步调用，不能占用读循环
func (s *wsSession) dispatchNotifications() {
	for {
		select {
		case <-s.closed:
			return
		case resp := <-s.notifyCh:
			s.mu.Lock()
			handler := s.subs[resp.Node]
			s.mu.Unlock()
			if handler != nil {
				handler(resp.Value)
			}
		}
	}
}

// failPending 让所有在途请求立即失败，调用方的重试循环会接管
func (s *wsSession) failPending() {
	s.mu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- Response{Type: MsgResult, ID: id, Status: CodeBad, Error: "连接已断开"}
	}
	s.mu.Unlock()
}

// redial 持续重拨直到成功或会话被关闭
func (s *wsSession) redial() bool {
	for {
		if s.isClosed() {
			return false
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.endpoint, nil)
		if err != nil {
			s.logger.Error("重连工站失败，稍后重试", "error", err, "delay", s.client.RedialDelay)
			select {
			case <-s.closed:
				return false
			case <-time.After(s.client.RedialDelay):
			}
			continue
		}

		s.mu.Lock()
		old := s.conn
		s.conn = conn
		s.mu.Unlock()
		if old != nil {
			old.Close()
		}
		return true
	}
}

// emit 向事件通道投递生命周期事件，持有方未消费时直接丢弃
func (s *wsSession) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}
