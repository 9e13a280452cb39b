package types

// StationRole 定义工站在产线中的角色
// 使用字符串类型，方便在日志和配置中直接使用
type StationRole string

const (
	// 产线拓扑固定为 装配 -> 测试 -> 包装 三个工站
	RoleAssembly  StationRole = "STATION_ASSEMBLY"  // 装配站 (入口)：装配工件并写入序列号
	RoleTest      StationRole = "STATION_TEST"      // 测试站：对装配完成的工件进行功能测试
	RolePackaging StationRole = "STATION_PACKAGING" // 包装站 (出口)：包装合格工件，产线终点
)

// AllRoles 按产线顺序列出所有工站角色
var AllRoles = []StationRole{RoleAssembly, RoleTest, RolePackaging}

// StationStatus 定义工站状态，权威值保存在远端工站
// 数值编码与线上协议一致，本地仅做镜像
type StationStatus int32

const (
	StatusReady          StationStatus = 0 // 就绪，可接收新工件
	StatusWorkInProgress StationStatus = 1 // 加工中
	StatusDone           StationStatus = 2 // 加工完成，等待流转
	StatusDiscarded      StationStatus = 3 // 工件报废
	StatusFault          StationStatus = 4 // 工站故障
)

// Valid 判断状态值是否在协议定义的范围内
// 收到范围外的值属于协议违规，应记录错误并忽略
func (s StationStatus) Valid() bool {
	return s >= StatusReady && s <= StatusFault
}

// String 返回状态的可读名称，用于日志输出
func (s StationStatus) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusWorkInProgress:
		return "WORK_IN_PROGRESS"
	case StatusDone:
		return "DONE"
	case StatusDiscarded:
		return "DISCARDED"
	case StatusFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// StationState 保存单个工站的本地镜像状态
// 由对应的 StationProxy 独占持有；协调器只能在持有工站控制锁时读写
type StationState struct {
	Role         StationRole   // 工站角色
	Endpoint     string        // 远端工站地址
	Status       StationStatus // 最近一次观测到的状态
	SerialNumber uint64        // 工件序列号，产线运行期间单调不减
	CurrentShift int           // 当前生效的班次编号，0 表示无班次
	AwaitingSub  bool          // 订阅后尚未收到首条真实通知（首条通知反映的是订阅时读取的旧值，必须忽略）
}

// ProductionSlot 表示协调器一次 tick-重排 周期的瞬态值
// 每个周期重新生成，不做持久化
type ProductionSlot struct {
	SequenceNumber uint64 // 单调递增的槽位序号，用于可观测性
	ActiveShift    int    // 本槽位生效的班次编号
}
