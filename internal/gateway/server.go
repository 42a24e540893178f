// Package gateway 接受电话媒体流的WebSocket升级请求，解析呼叫
// 标识，查找或创建对应的中继会话，并把socket事件接入会话。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"CallAudioRelay/internal/aiclient"
	"CallAudioRelay/internal/config"
	"CallAudioRelay/internal/logger"
	"CallAudioRelay/internal/relay"
	"CallAudioRelay/internal/store"
)

// 升级完成后用于拒绝会话的关闭码（含义按约定）
const (
	// closeReasonMissingCallSid 缺少呼叫标识 -> 策略违规
	closeReasonMissingCallSid = "call id required"
	// closeReasonCallNotFound 通话记录不存在 -> 策略违规
	closeReasonCallNotFound = "call session not found"
	// closeReasonAgentNotFound 坐席未配置 -> 策略违规
	closeReasonAgentNotFound = "AI agent not configured"
	// closeReasonInitFailed 适配器建连失败 -> 内部错误
	closeReasonInitFailed = "session initialization failed"
)

// Server 连接网关。除媒体流端点外还暴露/healthz和/stats运维端点。
type Server struct {
	config   *config.Config
	registry *relay.Registry
	st       store.Store
	factory  aiclient.Factory

	upgrader websocket.Upgrader
	server   *http.Server
	router   *mux.Router
	stream   *logger.EventStream

	isRunning     atomic.Bool
	totalUpgrades atomic.Uint64
	totalRejects  atomic.Uint64
	startTime     time.Time
}

// New 创建网关。registry、store和adapter工厂均显式注入。
func New(cfg *config.Config, registry *relay.Registry, st store.Store, factory aiclient.Factory) *Server {
	s := &Server{
		config:   cfg,
		registry: registry,
		st:       st,
		factory:  factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Server.ReadBufferSize,
			WriteBufferSize: cfg.Server.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// 电话媒体流对端不是浏览器，不做同源检查
				return true
			},
		},
		stream:    logger.NewEventStream(),
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc(cfg.Server.MediaPath, s.handleMediaStream)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/logs", s.stream.HandleWebSocket)
	s.router = router

	s.server = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: cors.Default().Handler(router),
	}

	return s
}

// Start 启动监听
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return errors.New("gateway is already running")
	}

	log.Printf("[gateway] listening on %s (media path %s)", s.config.Server.Addr, s.config.Server.MediaPath)

	go s.stream.Run()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[gateway] server error: %v", err)
		}
	}()

	return nil
}

// Shutdown 停止接受升级并关闭所有活跃会话
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("[gateway] shutting down, closing %d sessions", s.registry.Len())
	s.registry.CloseAll("server shutdown")
	s.stream.Stop()

	return s.server.Shutdown(ctx)
}

// handleMediaStream 处理媒体流升级请求
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callSid := r.URL.Query().Get("callSid")

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	s.totalUpgrades.Add(1)

	sock := newWSSocket(wsConn, s.config.Server.WriteTimeout)

	if callSid == "" {
		s.reject(sock, callSid, websocket.ClosePolicyViolation, closeReasonMissingCallSid)
		return
	}

	log.Printf("[gateway] media stream upgrade for call %s from %s", callSid, r.RemoteAddr)

	sess, err := s.resolveSession(r.Context(), callSid)
	if err != nil {
		var rej *rejectError
		if errors.As(err, &rej) {
			s.reject(sock, callSid, rej.code, rej.reason)
		} else {
			s.reject(sock, callSid, websocket.CloseInternalServerErr, closeReasonInitFailed)
		}
		return
	}

	sess.BindSocket(sock)
	s.stream.Publish("INFO", callSid, "media stream attached")
	s.readLoop(wsConn, sess)
	s.stream.Publish("INFO", callSid, "media stream detached")
}

// rejectError 升级完成后的会话级拒绝
type rejectError struct {
	code   int
	reason string
}

func (e *rejectError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.code, e.reason)
}

// resolveSession 查注册表，未命中则解析通话记录和坐席配置并
// 构建新会话。同一呼叫的并发升级由注册表的创建占位串行化。
func (s *Server) resolveSession(ctx context.Context, callSid string) (*relay.Session, error) {
	if sess := s.registry.Get(callSid); sess != nil {
		return sess, nil
	}

	sess, created, err := s.registry.GetOrCreate(callSid, func() (*relay.Session, error) {
		return s.buildSession(ctx, callSid)
	})
	if err != nil {
		return nil, err
	}

	// 注册前后会话可能已被AI腿关掉；死会话不能发给调用方，
	// 也不能滞留在注册表里挡住该呼叫的后续升级。
	if st := sess.State(); st == relay.StateClosing || st == relay.StateClosed {
		s.registry.Remove(callSid)
		log.Printf("[gateway] call %s: session closed before attach", callSid)
		return nil, &rejectError{websocket.CloseInternalServerErr, closeReasonInitFailed}
	}

	if !created {
		log.Printf("[gateway] call %s: reusing existing session", callSid)
	}
	return sess, nil
}

// buildSession 解析外部记录并把会话驱动到Active
func (s *Server) buildSession(ctx context.Context, callSid string) (*relay.Session, error) {
	record, err := s.st.CallBySid(ctx, callSid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &rejectError{websocket.ClosePolicyViolation, closeReasonCallNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup call %s: %w", callSid, err)
	}

	agent, err := s.st.AgentConfigByAccount(ctx, record.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &rejectError{websocket.ClosePolicyViolation, closeReasonAgentNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup agent config for account %d: %w", record.AccountID, err)
	}

	sessCfg := &relay.Config{
		EventBuffer:    s.config.Session.EventBuffer,
		CleanupTimeout: s.config.Session.CleanupTimeout,
	}
	sess := relay.NewSession(callSid, record, agent, s.factory(), s.st, s.registry, sessCfg)

	connectCtx, cancel := context.WithTimeout(ctx, s.config.Provider.ConnectTimeout)
	defer cancel()

	if err := sess.Start(connectCtx); err != nil {
		log.Printf("[gateway] call %s: adapter connect failed: %v", callSid, err)
		// 未注册即失败：按无有效时长清理，不记用量
		sess.Close(closeReasonInitFailed)
		return nil, &rejectError{websocket.CloseInternalServerErr, closeReasonInitFailed}
	}

	return sess, nil
}

// readLoop 电话socket的唯一读取方；任何读错误或对端关闭都
// 走同一条清理路径。
func (s *Server) readLoop(wsConn *websocket.Conn, sess *relay.Session) {
	defer sess.Close("telephony socket closed")

	wsConn.SetReadLimit(s.config.Server.ReadLimit)

	for {
		wsConn.SetReadDeadline(time.Now().Add(s.config.Server.ReadDeadline))

		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[gateway] call %s: read error: %v", sess.CallSid(), err)
			}
			return
		}

		sess.HandleTelephonyRaw(raw)
	}
}

// reject 升级后立即以给定关闭码拒绝并断开
func (s *Server) reject(sock *wsSocket, callSid string, code int, reason string) {
	s.totalRejects.Add(1)
	log.Printf("[gateway] rejecting connection: %s", reason)
	s.stream.Publish("WARNING", callSid, "rejected: "+reason)
	sock.Close(code, reason)
}

// handleHealthz 健康检查
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"running": s.isRunning.Load(),
	})
}

// handleStats 运行统计
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.Snapshot()
	summaries := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"active_sessions": len(sessions),
		"total_upgrades":  s.totalUpgrades.Load(),
		"total_rejects":   s.totalRejects.Load(),
		"sessions":        summaries,
	})
}
