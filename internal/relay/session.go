// Package relay 实现每路通话的实时音频中继会话。
//
// 一个Session桥接电话媒体流WebSocket（8kHz µ-law）和语音AI出站
// 会话（24kHz PCM16），双向转换采样格式，跟踪帧计数与计费时长，
// 并保证任何失败路径下清理只执行一次。
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"CallAudioRelay/internal/aiclient"
	"CallAudioRelay/internal/audio"
	"CallAudioRelay/internal/store"
	"CallAudioRelay/internal/telephony"
)

// State 会话状态，只向前推进
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrAlreadyStarted 会话已离开Created状态
	ErrAlreadyStarted = errors.New("session already started")
	// ErrConnectAborted 建连期间AI腿已断开，会话已进入清理
	ErrConnectAborted = errors.New("ai leg closed during connect")
	// errNoSocket 电话socket尚未绑定
	errNoSocket = errors.New("telephony socket not bound")
)

// MediaSocket 会话持有的电话socket句柄。
// 实现负责写入串行化；Close可安全重复调用。
type MediaSocket interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Config 会话级参数
type Config struct {
	EventBuffer    int           // 每会话事件队列容量，满则丢帧
	CleanupTimeout time.Duration // 清理阶段外部写入端的时限
}

// DefaultConfig 返回默认会话参数
func DefaultConfig() *Config {
	return &Config{
		EventBuffer:    64,
		CleanupTimeout: 5 * time.Second,
	}
}

// Counters 四个单调递增的帧计数器快照（外加丢帧数）
type Counters struct {
	TelephonyIn  uint64 // 从电话侧收到的媒体帧
	AIOut        uint64 // 转发给AI的帧
	AIIn         uint64 // 从AI收到的音频帧
	TelephonyOut uint64 // 写回电话侧的帧
	Dropped      uint64
}

// eventKind 会话事件类型标签
type eventKind int

const (
	evMedia eventKind = iota // 电话侧媒体帧（µ-law）
	evStart                  // 电话侧流开始
	evAIAudio                // AI侧音频帧（PCM16 24kHz）
)

// event 会话worker消费的入站事件。
// 两条socket的回调都转成这里的消息，状态只被worker单线程触碰。
type event struct {
	kind      eventKind
	payload   []byte
	streamSid string
}

// Session 一路通话的中继会话
type Session struct {
	callSid string
	record  *store.CallRecord
	agent   *store.AgentConfig

	adapter  aiclient.Adapter
	st       store.Store
	registry *Registry
	config   *Config

	state     atomic.Int32
	startedAt atomic.Int64 // unix nano，0表示从未进入Active

	sockMu  sync.Mutex
	sock    MediaSocket
	rebound bool

	// streamSid 只由worker goroutine读写
	streamSid string

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	telephonyIn  atomic.Uint64
	aiOut        atomic.Uint64
	aiIn         atomic.Uint64
	telephonyOut atomic.Uint64
	dropped      atomic.Uint64
}

// NewSession 创建处于Created状态的会话
func NewSession(callSid string, record *store.CallRecord, agent *store.AgentConfig,
	adapter aiclient.Adapter, st store.Store, registry *Registry, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}

	return &Session{
		callSid:  callSid,
		record:   record,
		agent:    agent,
		adapter:  adapter,
		st:       st,
		registry: registry,
		config:   config,
		events:   make(chan event, config.EventBuffer),
		done:     make(chan struct{}),
	}
}

// CallSid 返回电话侧呼叫标识
func (s *Session) CallSid() string {
	return s.callSid
}

// State 返回当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start 驱动Created -> Connecting -> Active。
// 适配器建连失败时返回错误，调用方负责关闭电话socket并触发Close；
// 本次通话不重试建连。
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}

	// 回调在建连前注册，避免丢失最早到达的输出
	s.adapter.OnAudioOutput(func(pcm []byte) {
		s.enqueue(event{kind: evAIAudio, payload: pcm})
	})
	s.adapter.OnClosed(func(err error) {
		if err != nil {
			log.Printf("[relay] call %s: ai leg failed: %v", s.callSid, err)
		}
		s.Close("ai connection closed")
	})

	if err := s.adapter.Connect(ctx, s.agent); err != nil {
		return err
	}

	// Connect返回前AI腿可能已经触发OnClosed：清理此时已跑完，
	// 状态只能向前推进，CAS失败即视为建连失败。
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return ErrConnectAborted
	}
	s.startedAt.Store(time.Now().UnixNano())
	go s.worker()

	log.Printf("[relay] call %s: session active (account=%d agent=%d)",
		s.callSid, s.record.AccountID, s.agent.ID)
	return nil
}

// BindSocket 绑定电话socket。重复升级同一通话时允许改绑一次。
func (s *Session) BindSocket(sock MediaSocket) {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()

	if s.sock != nil {
		if s.rebound {
			log.Printf("[relay] call %s: refusing second socket rebind", s.callSid)
			return
		}
		s.rebound = true
		log.Printf("[relay] call %s: rebinding telephony socket", s.callSid)
	}
	s.sock = sock
}

// HandleTelephonyRaw 处理一条电话侧入站WebSocket消息。
// 在连接边界解码一次；单帧解析失败只丢弃该帧，不终止会话。
func (s *Session) HandleTelephonyRaw(raw []byte) {
	msg, err := telephony.Decode(raw)
	if err != nil {
		s.dropped.Add(1)
		log.Printf("[relay] call %s: dropping undecodable frame: %v", s.callSid, err)
		return
	}

	switch m := msg.(type) {
	case telephony.Media:
		s.enqueue(event{kind: evMedia, payload: m.Payload})
	case telephony.Start:
		s.enqueue(event{kind: evStart, streamSid: m.StreamSid})
	case telephony.Stop:
		s.Close("telephony stream stopped")
	case telephony.Unknown:
		// 非音频控制消息，中继不处理
	}
}

// Close 触发一次性清理，任意状态下幂等，可被两条腿并发调用
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.cleanup(reason)
	})
}

// Counters 返回帧计数器快照
func (s *Session) Counters() Counters {
	return Counters{
		TelephonyIn:  s.telephonyIn.Load(),
		AIOut:        s.aiOut.Load(),
		AIIn:         s.aiIn.Load(),
		TelephonyOut: s.telephonyOut.Load(),
		Dropped:      s.dropped.Load(),
	}
}

// StartedAt 返回进入Active的时间，未激活过返回零值
func (s *Session) StartedAt() time.Time {
	ns := s.startedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// enqueue 非阻塞投递事件，队列满则丢帧（无背压，按丢弃处理）
func (s *Session) enqueue(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		log.Printf("[relay] call %s: event queue full, dropping frame", s.callSid)
	}
}

// worker 单goroutine消费两侧事件，保证单方向帧序不被打乱
func (s *Session) worker() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

// handleEvent 处理一个入站事件，仅Active状态下转发
func (s *Session) handleEvent(ev event) {
	if State(s.state.Load()) != StateActive {
		return
	}

	switch ev.kind {
	case evStart:
		s.streamSid = ev.streamSid
		log.Printf("[relay] call %s: media stream started (sid=%s)", s.callSid, ev.streamSid)

	case evMedia:
		s.forwardToAI(ev.payload)

	case evAIAudio:
		s.forwardToTelephony(ev.payload)
	}
}

// forwardToAI 电话 -> AI：µ-law 8kHz解码并上采样为PCM16 24kHz
func (s *Session) forwardToAI(mulaw []byte) {
	s.telephonyIn.Add(1)

	pcm, err := audio.NarrowbandToWideband(mulaw)
	if err != nil {
		s.dropped.Add(1)
		log.Printf("[relay] call %s: narrowband conversion failed: %v", s.callSid, err)
		return
	}

	s.adapter.SendAudio(pcm)
	s.aiOut.Add(1)
}

// forwardToTelephony AI -> 电话：PCM16 24kHz下采样并压缩为µ-law
func (s *Session) forwardToTelephony(pcm []byte) {
	s.aiIn.Add(1)

	mulaw, err := audio.WidebandToNarrowband(pcm)
	if err != nil {
		s.dropped.Add(1)
		log.Printf("[relay] call %s: wideband conversion failed: %v", s.callSid, err)
		return
	}

	frame, err := telephony.EncodeMedia(s.streamSid, mulaw)
	if err != nil {
		s.dropped.Add(1)
		log.Printf("[relay] call %s: encode media frame failed: %v", s.callSid, err)
		return
	}

	if err := s.writeTelephony(frame); err != nil {
		// 电话socket暂不可写：丢帧而非排队
		s.dropped.Add(1)
		return
	}
	s.telephonyOut.Add(1)
}

// writeTelephony 向当前绑定的电话socket写一帧
func (s *Session) writeTelephony(data []byte) error {
	s.sockMu.Lock()
	sock := s.sock
	s.sockMu.Unlock()

	if sock == nil {
		return errNoSocket
	}
	return sock.WriteMessage(data)
}

// cleanup 清理例程，closeOnce保证全程只执行一次。
// 各步骤相互独立，任何一步失败都不阻止句柄释放和注册表移除。
func (s *Session) cleanup(reason string) {
	s.state.Store(int32(StateClosing))
	close(s.done)

	// 时长：从进入Active到现在；从未激活则为零，不记用量
	var duration time.Duration
	if ns := s.startedAt.Load(); ns > 0 {
		duration = time.Since(time.Unix(0, ns))
	}

	transcript := s.adapter.Transcript()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.CleanupTimeout)
	defer cancel()

	result := &store.CallResult{
		CallID:          s.record.ID,
		DurationSeconds: int(duration.Seconds()),
		Transcript:      transcript,
		Intent:          "",
		MessageTaken:    false,
	}
	if err := s.st.FinalizeCall(ctx, result); err != nil {
		log.Printf("[relay] call %s: finalize failed: %v", s.callSid, err)
	}

	if duration > 0 {
		usage := store.NewUsageRecord(s.record.AccountID, s.record.ID, duration.Minutes(), time.Now())
		if err := s.st.RecordUsage(ctx, usage); err != nil {
			log.Printf("[relay] call %s: record usage failed: %v", s.callSid, err)
		}
	}

	s.adapter.Close()

	s.sockMu.Lock()
	sock := s.sock
	s.sockMu.Unlock()
	if sock != nil {
		sock.Close(websocket.CloseNormalClosure, reason)
	}

	s.registry.Remove(s.callSid)
	s.state.Store(int32(StateClosed))

	c := s.Counters()
	log.Printf("[relay] call %s: closed (%s) duration=%s frames tel_in=%d ai_out=%d ai_in=%d tel_out=%d dropped=%d",
		s.callSid, reason, duration.Round(time.Millisecond),
		c.TelephonyIn, c.AIOut, c.AIIn, c.TelephonyOut, c.Dropped)
}

// Summary 返回一行可读的会话摘要，供/stats使用
func (s *Session) Summary() string {
	c := s.Counters()
	return fmt.Sprintf("%s state=%s tel_in=%d ai_out=%d ai_in=%d tel_out=%d dropped=%d",
		s.callSid, s.State(), c.TelephonyIn, c.AIOut, c.AIIn, c.TelephonyOut, c.Dropped)
}
