package link

// NodeID 标识工站暴露的一个数值节点
type NodeID string

const (
	NodeStatus       NodeID = "Status"              // 工站状态节点，可读可订阅
	NodeSerialNumber NodeID = "ProductSerialNumber" // 工件序列号节点
)

// MethodID 标识工站暴露的一个可调用方法
type MethodID string

const (
	MethodExecute                  MethodID = "Execute"                  // Execute(shift, serial) 开始加工
	MethodReset                    MethodID = "Reset"                    // Reset() 复位工站到就绪状态
	MethodOpenPressureReleaseValve MethodID = "OpenPressureReleaseValve" // OpenPressureReleaseValve() 打开泄压阀
)

// StatusCode 是方法调用返回的结果码
type StatusCode int

const (
	CodeGood StatusCode = 0 // 调用成功
	CodeBad  StatusCode = 1 // 调用被远端拒绝
)

// Good 判断结果码是否表示成功
func (c StatusCode) Good() bool {
	return c == CodeGood
}

// 消息类型常量，约定客户端与工站服务之间的 JSON 报文
const (
	MsgRead      = "read"      // 客户端 -> 工站：读取节点值
	MsgCall      = "call"      // 客户端 -> 工站：调用方法
	MsgSubscribe = "subscribe" // 客户端 -> 工站：订阅节点变更
	MsgResult    = "result"    // 工站 -> 客户端：请求的应答
	MsgNotify    = "notify"    // 工站 -> 客户端：订阅节点的变更通知
)

// Request 定义客户端发往工站服务的请求报文
type Request struct {
	ID     uint64   `json:"id,omitempty"`     // 请求序号，应答按此序号配对
	Type   string   `json:"type"`             // 报文类型: read / call / subscribe
	Node   NodeID   `json:"node,omitempty"`   // read/subscribe 的目标节点
	Method MethodID `json:"method,omitempty"` // call 的目标方法
	Args   []uint64 `json:"args,omitempty"`   // call 的参数列表
}

// Response 定义工站服务发往客户端的应答或通知报文
type Response struct {
	ID     uint64     `json:"id,omitempty"`    // 对应请求的序号，通知报文为 0
	Type   string     `json:"type"`            // 报文类型: result / notify
	Node   NodeID     `json:"node,omitempty"`  // notify 的来源节点
	Value  uint64     `json:"value"`           // 节点值或读取结果
	Status StatusCode `json:"status"`          // call 的结果码
	Error  string     `json:"error,omitempty"` // 远端错误描述
}
