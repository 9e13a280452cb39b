package simulator

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"mes-line-demo/internal/link"
	"mes-line-demo/internal/types"
)

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有来源的连接，生产环境中应配置为特定的域名
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS 在一条 WebSocket 连接上提供工站协议
// 每条连接独立处理读写；订阅通知与请求应答共用写锁串行化
func (st *Station) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		st.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(resp link.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(resp); err != nil {
			st.logger.Warn("写入 WebSocket 失败", "error", err)
		}
	}

	var cancels []func()
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for {
		var req link.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case link.MsgRead:
			value, ok := st.ReadValue(req.Node)
			resp := link.Response{Type: link.MsgResult, ID: req.ID, Value: value}
			if !ok {
				resp.Error = "未知节点"
			}
			write(resp)

		case link.MsgCall:
			write(st.handleCall(req))

		case link.MsgSubscribe:
			if req.Node != link.NodeStatus {
				write(link.Response{Type: link.MsgResult, ID: req.ID, Error: "节点不支持订阅"})
				continue
			}
			// 订阅建立即回放当前状态，订阅方据此对齐镜像
			cancel := st.WatchReplay(func(status types.StationStatus) {
				write(link.Response{Type: link.MsgNotify, Node: link.NodeStatus, Value: uint64(status)})
			})
			cancels = append(cancels, cancel)
			write(link.Response{Type: link.MsgResult, ID: req.ID})

		default:
			write(link.Response{Type: link.MsgResult, ID: req.ID, Error: "未知报文类型"})
		}
	}
}

// handleCall 分发方法调用
func (st *Station) handleCall(req link.Request) link.Response {
	resp := link.Response{Type: link.MsgResult, ID: req.ID}
	switch req.Method {
	case link.MethodExecute:
		if len(req.Args) != 2 {
			resp.Error = "Execute 需要 (shift, serial) 两个参数"
			return resp
		}
		resp.Status = st.Execute(int(req.Args[0]), req.Args[1])
	case link.MethodReset:
		resp.Status = st.Reset()
	case link.MethodOpenPressureReleaseValve:
		resp.Status = st.OpenPressureReleaseValve()
	default:
		resp.Error = "未知方法"
	}
	return resp
}
