package relay

import (
	"sync"
)

// Registry 呼叫标识到会话的并发安全映射。
// 进程启动时显式构造并注入，不走全局单例。
//
// 同一呼叫的两次近并发升级通过创建占位（claim）串行化：
// 第一个调用方持有占位并在锁外构建会话，后续调用方等待占位
// 释放后复用结果，保证每个呼叫标识至多一个会话实例。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	claims   map[string]chan struct{}
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		claims:   make(map[string]chan struct{}),
	}
}

// Get 返回呼叫对应的会话，不存在返回nil
func (r *Registry) Get(callSid string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callSid]
}

// GetOrCreate 返回已有会话，或调用build构建并注册新会话。
// 返回created=true表示本次调用完成了构建。build在锁外执行；
// 构建失败不注册任何条目，错误原样返回给本调用方，等待中的
// 其他调用方会重新尝试构建。
func (r *Registry) GetOrCreate(callSid string, build func() (*Session, error)) (sess *Session, created bool, err error) {
	for {
		r.mu.Lock()
		if s, ok := r.sessions[callSid]; ok {
			r.mu.Unlock()
			return s, false, nil
		}
		if claim, ok := r.claims[callSid]; ok {
			// 另一个升级正在构建，等它完成后重查
			r.mu.Unlock()
			<-claim
			continue
		}
		claim := make(chan struct{})
		r.claims[callSid] = claim
		r.mu.Unlock()

		sess, err = build()

		r.mu.Lock()
		delete(r.claims, callSid)
		if err == nil {
			r.sessions[callSid] = sess
		}
		r.mu.Unlock()
		close(claim)

		if err != nil {
			return nil, false, err
		}
		return sess, true, nil
	}
}

// Remove 移除呼叫条目，每路通话恰好移除一次（重复调用无害）
func (r *Registry) Remove(callSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callSid)
}

// Len 返回当前活跃会话数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot 返回当前所有会话的引用切片，供统计和关停遍历
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll 关闭所有活跃会话，用于进程关停
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.Snapshot() {
		s.Close(reason)
	}
}
