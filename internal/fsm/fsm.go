package fsm

import (
	"fmt"
	"sync"
)

// State 定义连接状态类型
type State string

// Event 定义触发状态转移的事件类型
type Event string

const (
	StateDisconnected State = "DISCONNECTED" // 未连接
	StateConnecting   State = "CONNECTING"   // 正在建立会话（含重试）
	StateConnected    State = "CONNECTED"    // 会话可用
	StateReconnecting State = "RECONNECTING" // 保活失败，后台重连中
)

const (
	EventDial            Event = "DIAL"              // 发起（或重试）连接
	EventEstablished     Event = "ESTABLISHED"       // 会话建立并完成订阅
	EventKeepAliveFailed Event = "KEEP_ALIVE_FAILED" // 传输层上报保活失败
	EventReconnected     Event = "RECONNECTED"       // 后台重连成功
	EventShutdown        Event = "SHUTDOWN"          // 停机，回到未连接
)

// Machine 是工站连接状态机
// 状态转移表固定：Disconnected -> Connecting -> Connected <-> Reconnecting
type Machine struct {
	mu      sync.Mutex
	current State
	// transitions 定义状态转移表: 当前状态 -> 事件 -> 下一状态
	transitions map[State]map[Event]State
	TargetID    string // 关联的目标对象 ID（如工站角色）
}

// New 创建初始状态为 Disconnected 的连接状态机
func New(targetID string) *Machine {
	m := &Machine{
		current:     StateDisconnected,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
	}
	m.initTransitions()
	return m
}

func (m *Machine) initTransitions() {
	m.addTransition(StateDisconnected, EventDial, StateConnecting)
	m.addTransition(StateConnecting, EventDial, StateConnecting) // 连接失败后的重试
	m.addTransition(StateConnecting, EventEstablished, StateConnected)

	m.addTransition(StateConnected, EventKeepAliveFailed, StateReconnecting)
	m.addTransition(StateReconnecting, EventReconnected, StateConnected)

	m.addTransition(StateConnecting, EventShutdown, StateDisconnected)
	m.addTransition(StateConnected, EventShutdown, StateDisconnected)
	m.addTransition(StateReconnecting, EventShutdown, StateDisconnected)
}

func (m *Machine) addTransition(from State, event Event, to State) {
	if _, ok := m.transitions[from]; !ok {
		m.transitions[from] = make(map[Event]State)
	}
	m.transitions[from][event] = to
}

// Current 返回当前状态
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Fire 触发事件，非法转移返回错误
func (m *Machine) Fire(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.transitions[m.current][event]
	if !ok {
		return fmt.Errorf("invalid transition for %s: cannot fire event %s from state %s", m.TargetID, event, m.current)
	}
	m.current = next
	return nil
}
