package logger

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// StreamEvent 推送给运维端的一条事件
type StreamEvent struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CallSid   string    `json:"call_sid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventStream 把中继的会话事件实时广播给已连接的运维WebSocket
// 客户端。慢客户端或写失败的客户端直接剔除，广播从不阻塞中继。
type EventStream struct {
	clients    map[*websocket.Conn]struct{}
	broadcast  chan StreamEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}

	upgrader websocket.Upgrader
}

// NewEventStream 创建事件流广播器，需调用Run启动
func NewEventStream() *EventStream {
	return &EventStream{
		clients:    make(map[*websocket.Conn]struct{}),
		broadcast:  make(chan StreamEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run 广播主循环，Stop后退出
func (es *EventStream) Run() {
	for {
		select {
		case <-es.done:
			for conn := range es.clients {
				conn.Close()
			}
			return

		case conn := <-es.register:
			es.clients[conn] = struct{}{}

		case conn := <-es.unregister:
			if _, ok := es.clients[conn]; ok {
				delete(es.clients, conn)
				conn.Close()
			}

		case ev := <-es.broadcast:
			for conn := range es.clients {
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					delete(es.clients, conn)
					conn.Close()
				}
			}
		}
	}
}

// Stop 关闭广播循环和所有客户端连接
func (es *EventStream) Stop() {
	select {
	case <-es.done:
	default:
		close(es.done)
	}
}

// Publish 投递一条事件，队列满则丢弃，绝不阻塞调用方
func (es *EventStream) Publish(level, callSid, message string) {
	ev := StreamEvent{
		Level:     level,
		Message:   message,
		CallSid:   callSid,
		Timestamp: time.Now(),
	}

	select {
	case es.broadcast <- ev:
	case <-es.done:
	default:
		// 无人消费或消费太慢，丢弃
	}
}

// HandleWebSocket 运维端日志流端点的HTTP处理函数
func (es *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[logger] log stream upgrade failed: %v", err)
		return
	}

	select {
	case es.register <- conn:
	case <-es.done:
		conn.Close()
		return
	}

	// 读循环只为感知断开，客户端不上行任何数据
	defer func() {
		select {
		case es.unregister <- conn:
		case <-es.done:
			conn.Close()
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
