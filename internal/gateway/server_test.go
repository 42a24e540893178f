package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CallAudioRelay/internal/aiclient"
	"CallAudioRelay/internal/audio"
	"CallAudioRelay/internal/config"
	"CallAudioRelay/internal/relay"
	"CallAudioRelay/internal/store"
	"CallAudioRelay/internal/telephony"
)

// stubAdapter 网关测试用的AI适配器假实现
type stubAdapter struct {
	mu            sync.Mutex
	connectErr    error
	dropOnConnect bool // 握手通过后对端立即断开
	sent          [][]byte
	onAudio       func([]byte)
	onClosed      func(error)
}

var _ aiclient.Adapter = (*stubAdapter)(nil)

func (a *stubAdapter) Connect(_ context.Context, _ *store.AgentConfig) error {
	a.mu.Lock()
	err := a.connectErr
	drop := a.dropOnConnect
	onClosed := a.onClosed
	a.mu.Unlock()

	if err != nil {
		return err
	}
	if drop && onClosed != nil {
		onClosed(errors.New("connection reset by peer"))
	}
	return nil
}

func (a *stubAdapter) SendAudio(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	a.sent = append(a.sent, cp)
}

func (a *stubAdapter) OnAudioOutput(fn func([]byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAudio = fn
}

func (a *stubAdapter) OnClosed(fn func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onClosed = fn
}

func (a *stubAdapter) Transcript() string { return "caller: test call" }
func (a *stubAdapter) Close() error       { return nil }

func (a *stubAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *stubAdapter) emitAudio(pcm []byte) {
	a.mu.Lock()
	fn := a.onAudio
	a.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:            fmt.Sprintf("127.0.0.1:%d", port),
			MediaPath:       "/media-stream",
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			ReadLimit:       512 * 1024,
			ReadDeadline:    10 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Provider: config.ProviderConfig{
			ConnectTimeout: 5 * time.Second,
		},
		Session: config.SessionConfig{
			EventBuffer:    64,
			CleanupTimeout: 5 * time.Second,
		},
	}
}

func seededStore() *store.MemoryStore {
	st := store.NewMemoryStore()
	st.AddCall(&store.CallRecord{ID: 42, AccountID: 7, CallSid: "CA-gw-001"})
	st.AddAgentConfig(&store.AgentConfig{ID: 3, AccountID: 7, Model: "gpt-4o-realtime", Voice: "alloy"})
	return st
}

// startGateway 启动网关并等待端口就绪
func startGateway(t *testing.T, port int, st store.Store, factory aiclient.Factory) (*Server, *relay.Registry) {
	t.Helper()

	reg := relay.NewRegistry()
	srv := New(testConfig(port), reg, st, factory)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	// 等监听就绪
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "gateway did not come up")

	return srv, reg
}

func dialMedia(t *testing.T, port int, callSid string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/media-stream", port)
	if callSid != "" {
		url += "?callSid=" + callSid
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

// expectClose 读到服务端关闭帧并返回关闭码
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue // 关闭帧前可能还有未读完的媒体帧
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, "expected close frame, got: %v", err)
		return ce.Code
	}
}

func mediaFrame(t *testing.T, mulaw []byte) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString(mulaw)},
	})
	require.NoError(t, err)
	return raw
}

func TestGatewayMissingCallSid(t *testing.T) {
	_, _ = startGateway(t, 19080, seededStore(), func() aiclient.Adapter { return &stubAdapter{} })

	conn := dialMedia(t, 19080, "")
	defer conn.Close()

	assert.Equal(t, websocket.ClosePolicyViolation, expectClose(t, conn))
}

func TestGatewayCallNotFound(t *testing.T) {
	_, reg := startGateway(t, 19081, seededStore(), func() aiclient.Adapter { return &stubAdapter{} })

	conn := dialMedia(t, 19081, "CA-nope")
	defer conn.Close()

	assert.Equal(t, websocket.ClosePolicyViolation, expectClose(t, conn))
	assert.Equal(t, 0, reg.Len())
}

func TestGatewayAgentNotConfigured(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddCall(&store.CallRecord{ID: 1, AccountID: 99, CallSid: "CA-noagent"})
	_, reg := startGateway(t, 19082, st, func() aiclient.Adapter { return &stubAdapter{} })

	conn := dialMedia(t, 19082, "CA-noagent")
	defer conn.Close()

	assert.Equal(t, websocket.ClosePolicyViolation, expectClose(t, conn))
	assert.Equal(t, 0, reg.Len())
}

func TestGatewayAdapterConnectFailure(t *testing.T) {
	st := seededStore()
	factory := func() aiclient.Adapter {
		return &stubAdapter{connectErr: errors.New("provider unreachable")}
	}
	_, reg := startGateway(t, 19083, st, factory)

	conn := dialMedia(t, 19083, "CA-gw-001")
	defer conn.Close()

	assert.Equal(t, websocket.CloseInternalServerErr, expectClose(t, conn))
	assert.Equal(t, 0, reg.Len())

	// 建连失败的会话：归档零时长，不记用量
	require.Eventually(t, func() bool {
		return len(st.Results()) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Zero(t, st.Results()[0].DurationSeconds)
	assert.Empty(t, st.Usage())
}

func TestGatewayWrongPath(t *testing.T) {
	_, _ = startGateway(t, 19084, seededStore(), func() aiclient.Adapter { return &stubAdapter{} })

	_, resp, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:19084/nope?callSid=CA-gw-001", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestGatewayEndToEndRelay(t *testing.T) {
	st := seededStore()
	adapters := make(chan *stubAdapter, 1)
	factory := func() aiclient.Adapter {
		a := &stubAdapter{}
		adapters <- a
		return a
	}
	_, reg := startGateway(t, 19085, st, factory)

	conn := dialMedia(t, 19085, "CA-gw-001")
	defer conn.Close()

	var adapter *stubAdapter
	select {
	case adapter = <-adapters:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never created")
	}

	require.Eventually(t, func() bool {
		return reg.Get("CA-gw-001") != nil
	}, 5*time.Second, 50*time.Millisecond)

	// start + 三帧媒体上行
	start := []byte(`{"event":"start","start":{"streamSid":"MZ-gw-001","callSid":"CA-gw-001"}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, start))

	mulaw := make([]byte, audio.NarrowbandFrame20ms)
	for i := range mulaw {
		mulaw[i] = 0xFF
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, mediaFrame(t, mulaw)))
	}

	require.Eventually(t, func() bool {
		return adapter.sentCount() == 3
	}, 5*time.Second, 10*time.Millisecond, "media frames should reach the adapter")

	// AI侧下行两帧，电话侧应收到合法媒体信封
	for i := 0; i < 2; i++ {
		adapter.emitAudio(make([]byte, audio.WidebandFrame20ms))
	}
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		msg, err := telephony.Decode(raw)
		require.NoError(t, err)
		media, ok := msg.(telephony.Media)
		require.True(t, ok)
		assert.Len(t, media.Payload, audio.NarrowbandFrame20ms)
	}

	// stop结束通话：正常关闭 + 归档 + 用量
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)))
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))

	require.Eventually(t, func() bool {
		return len(st.Results()) == 1 && reg.Len() == 0
	}, 5*time.Second, 50*time.Millisecond)

	result := st.Results()[0]
	assert.Equal(t, int64(42), result.CallID)
	assert.Equal(t, "caller: test call", result.Transcript)

	usage := st.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(7), usage[0].AccountID)
	assert.Greater(t, usage[0].Minutes, 0.0)
}

func TestGatewayHealthzAndStats(t *testing.T) {
	_, _ = startGateway(t, 19086, seededStore(), func() aiclient.Adapter { return &stubAdapter{} })

	resp, err := http.Get("http://127.0.0.1:19086/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["running"])

	// 挂一路活跃会话后统计应能看到
	conn := dialMedia(t, 19086, "CA-gw-001")
	defer conn.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:19086/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var stats map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return stats["active_sessions"] == float64(1)
	}, 5*time.Second, 50*time.Millisecond)

	resp2, err := http.Get("http://127.0.0.1:19086/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
	assert.GreaterOrEqual(t, stats["total_upgrades"], float64(1))
	sessions, ok := stats["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Contains(t, sessions[0], "CA-gw-001")
}

func TestGatewayAILegDropsDuringConnect(t *testing.T) {
	st := seededStore()

	// 第一个适配器握手后立即断线，后续适配器正常
	var dials atomic.Int32
	factory := func() aiclient.Adapter {
		if dials.Add(1) == 1 {
			return &stubAdapter{dropOnConnect: true}
		}
		return &stubAdapter{}
	}
	_, reg := startGateway(t, 19089, st, factory)

	// 死会话不得注册：按内部错误拒绝
	conn := dialMedia(t, 19089, "CA-gw-001")
	defer conn.Close()
	assert.Equal(t, websocket.CloseInternalServerErr, expectClose(t, conn))
	assert.Equal(t, 0, reg.Len())

	// 同一呼叫的下一次升级必须能正常建立会话
	conn2 := dialMedia(t, 19089, "CA-gw-001")
	defer conn2.Close()

	require.Eventually(t, func() bool {
		sess := reg.Get("CA-gw-001")
		return sess != nil && sess.State() == relay.StateActive
	}, 5*time.Second, 50*time.Millisecond, "call id must not stay wedged after a dropped connect")
}

func TestGatewayLogStream(t *testing.T) {
	_, _ = startGateway(t, 19088, seededStore(), func() aiclient.Adapter { return &stubAdapter{} })

	logConn, resp, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:19088/logs", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer logConn.Close()

	// 等广播循环完成注册
	time.Sleep(200 * time.Millisecond)

	// 触发一次拒绝，日志流应收到WARNING事件
	conn := dialMedia(t, 19088, "")
	defer conn.Close()
	expectClose(t, conn)

	logConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := logConn.ReadMessage()
	require.NoError(t, err)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, "WARNING", ev["level"])
	assert.Contains(t, ev["message"], "rejected")
}

func TestGatewayShutdownClosesSessions(t *testing.T) {
	st := seededStore()
	srv, reg := startGateway(t, 19087, st, func() aiclient.Adapter { return &stubAdapter{} })

	conn := dialMedia(t, 19087, "CA-gw-001")
	defer conn.Close()

	require.Eventually(t, func() bool {
		return reg.Len() == 1
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))

	// 关停幂等
	require.NoError(t, srv.Shutdown(ctx))
}
