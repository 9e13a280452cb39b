package event

import (
	"sync"

	"mes-line-demo/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	StationConnected   EventType = "StationConnected"   // 工站完成首次连接与订阅
	StationReconnect   EventType = "StationReconnect"   // 工站保活失败进入重连
	StationRecovered   EventType = "StationRecovered"   // 工站重连成功
	StatusChanged      EventType = "StatusChanged"      // 工站状态变更（已通过首条通知过滤）
	CommandRetried     EventType = "CommandRetried"     // 远程命令失败后重试
	SlotArmed          EventType = "SlotArmed"          // 协调器武装了一个生产槽位
	ProductAdvanced    EventType = "ProductAdvanced"    // 工件在产线上前移一站
	ProductCompleted   EventType = "ProductCompleted"   // 工件在包装站走完产线
	ProductionBlocked  EventType = "ProductionBlocked"  // 产线因工站不稳定而暂停
	ProtocolViolation  EventType = "ProtocolViolation"  // 收到协议范围外的状态值
	InternalLogicError EventType = "InternalLogicError" // tick 或通知处理器内部异常
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type   EventType            // 事件类型
	Role   types.StationRole    // 关联的工站角色（工站相关事件）
	Status types.StationStatus  // 观测到的状态（状态相关事件）
	Serial uint64               // 工件序列号（工件相关事件）
	Slot   types.ProductionSlot // 槽位信息（SlotArmed 事件）
	Method string               // 命令方法名（CommandRetried 事件）
	Error  error                // 错误信息（失败类事件）
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 处理器同步执行：订阅方只做指标与日志，必须保持轻量
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		for _, handler := range handlers {
			handler(e)
		}
	}
}
