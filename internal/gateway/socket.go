package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"CallAudioRelay/internal/relay"
)

// wsSocket 把gorilla连接包装成会话持有的MediaSocket。
// 写入走单一互斥量串行化；Close幂等。
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ relay.MediaSocket = (*wsSocket)(nil)

func newWSSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	return &wsSocket{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// WriteMessage 写一条出站文本帧，尽力而为
func (s *wsSocket) WriteMessage(data []byte) error {
	if s.closed.Load() {
		return websocket.ErrCloseSent
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧并断开底层连接，可重复调用
func (s *wsSocket) Close(code int, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
