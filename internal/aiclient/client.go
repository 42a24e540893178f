package aiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"CallAudioRelay/internal/store"
)

// client Adapter的WebSocket实时协议实现。
// 每个实例对应一路通话，一次建连，失败不重试。
type client struct {
	config *ProviderConfig
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla要求写入串行化

	ready     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	onAudio  atomic.Value // func([]byte)
	onClosed atomic.Value // func(error)

	transcriptMu sync.Mutex
	transcript   strings.Builder
}

var _ Adapter = (*client)(nil)

func newClient(cfg *ProviderConfig) *client {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout

	return &client{
		config: cfg,
		dialer: &dialer,
	}
}

// clientEvent 发往服务端的实时协议事件
type clientEvent struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio,omitempty"`
	Session *sessionPayload `json:"session,omitempty"`
}

type sessionPayload struct {
	Model        string  `json:"model,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	InputFormat  string  `json:"input_audio_format,omitempty"`
	OutputFormat string  `json:"output_audio_format,omitempty"`
}

// serverEvent 服务端下发的实时协议事件
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Connect 拨号并完成会话协商。失败对本次通话是终态，不做重试。
func (c *client) Connect(ctx context.Context, cfg *store.AgentConfig) error {
	if c.closed.Load() {
		return ErrClosed
	}

	headers := http.Header{}
	if c.config.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn.SetReadLimit(c.config.ReadLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// 会话协商：声明双向24kHz PCM16和坐席参数
	setup := &clientEvent{
		Type: "session.update",
		Session: &sessionPayload{
			Model:        cfg.Model,
			Voice:        cfg.Voice,
			Instructions: cfg.SystemPrompt,
			Temperature:  cfg.Temperature,
			InputFormat:  "pcm16",
			OutputFormat: "pcm16",
		},
	}
	if err := c.writeEvent(setup); err != nil {
		conn.Close()
		return fmt.Errorf("%w: session update: %v", ErrConnectFailed, err)
	}

	c.ready.Store(true)
	go c.readLoop(conn)

	return nil
}

// SendAudio 发送一帧宽带音频。未就绪或已关闭时静默丢帧。
func (c *client) SendAudio(pcm []byte) {
	if !c.ready.Load() || c.closed.Load() || len(pcm) == 0 {
		return
	}

	ev := &clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := c.writeEvent(ev); err != nil {
		log.Printf("[aiclient] send audio failed: %v", err)
	}
}

// OnAudioOutput 注册音频输出回调
func (c *client) OnAudioOutput(fn func(pcm []byte)) {
	c.onAudio.Store(fn)
}

// OnClosed 注册连接终止回调
func (c *client) OnClosed(fn func(err error)) {
	c.onClosed.Store(fn)
}

// Transcript 返回当前累积的转写文本
func (c *client) Transcript() string {
	c.transcriptMu.Lock()
	defer c.transcriptMu.Unlock()
	return c.transcript.String()
}

// Close 关闭出站连接，幂等
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.ready.Store(false)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
	return nil
}

// writeEvent 序列化并写出一个协议事件
func (c *client) writeEvent(ev *clientEvent) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop 消费服务端事件直到连接终止
func (c *client) readLoop(conn *websocket.Conn) {
	var loopErr error
	defer func() {
		c.ready.Store(false)
		c.notifyClosed(loopErr)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[aiclient] read error: %v", err)
				loopErr = err
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("[aiclient] bad server event: %v", err)
			continue
		}

		c.handleServerEvent(&ev)
	}
}

// handleServerEvent 分发一个服务端事件
func (c *client) handleServerEvent(ev *serverEvent) {
	switch ev.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			log.Printf("[aiclient] bad audio delta: %v", err)
			return
		}
		if fn, ok := c.onAudio.Load().(func([]byte)); ok && fn != nil {
			fn(pcm)
		}

	case "response.audio_transcript.done":
		c.appendTranscript("assistant", ev.Transcript)

	case "conversation.item.input_audio_transcription.completed":
		c.appendTranscript("caller", ev.Transcript)

	case "error":
		if ev.Error != nil {
			log.Printf("[aiclient] server error: %s (%s)", ev.Error.Message, ev.Error.Code)
		}

	default:
		// 其余事件（响应生命周期等）与中继无关
	}
}

// appendTranscript 按说话人累积一行转写
func (c *client) appendTranscript(speaker, text string) {
	if text == "" {
		return
	}
	c.transcriptMu.Lock()
	defer c.transcriptMu.Unlock()
	if c.transcript.Len() > 0 {
		c.transcript.WriteByte('\n')
	}
	c.transcript.WriteString(speaker)
	c.transcript.WriteString(": ")
	c.transcript.WriteString(text)
}

// notifyClosed 通知上层连接已终止
func (c *client) notifyClosed(err error) {
	if fn, ok := c.onClosed.Load().(func(error)); ok && fn != nil {
		fn(err)
	}
}
