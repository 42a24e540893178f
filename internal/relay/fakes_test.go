package relay

import (
	"context"
	"errors"
	"sync"

	"CallAudioRelay/internal/aiclient"
	"CallAudioRelay/internal/store"
)

// fakeAdapter 测试用Adapter实现，记录发送的帧并可手动注入输出
type fakeAdapter struct {
	mu                sync.Mutex
	connectErr        error
	dropDuringConnect bool // 握手被接受后对端立即断开
	connected         bool
	closeCount        int
	sent              [][]byte
	transcript        string

	onAudio  func([]byte)
	onClosed func(error)
}

var _ aiclient.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Connect(_ context.Context, _ *store.AgentConfig) error {
	f.mu.Lock()
	err := f.connectErr
	drop := f.dropDuringConnect
	onClosed := f.onClosed
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	// 回调在锁外触发，会重入到会话的清理路径
	if drop && onClosed != nil {
		onClosed(errors.New("connection reset by peer"))
	}
	return nil
}

func (f *fakeAdapter) SendAudio(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.sent = append(f.sent, cp)
}

func (f *fakeAdapter) OnAudioOutput(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAudio = fn
}

func (f *fakeAdapter) OnClosed(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClosed = fn
}

func (f *fakeAdapter) Transcript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	f.connected = false
	return nil
}

// emitAudio 模拟AI侧音频输出回调
func (f *fakeAdapter) emitAudio(pcm []byte) {
	f.mu.Lock()
	fn := f.onAudio
	f.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

// sentFrames 返回已发送帧的快照
func (f *fakeAdapter) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeAdapter) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// fakeSocket 测试用MediaSocket实现
type fakeSocket struct {
	mu        sync.Mutex
	frames    [][]byte
	writeErr  error
	closed    bool
	closeCode int
}

var _ MediaSocket = (*fakeSocket)(nil)

func (f *fakeSocket) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSocket) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	return nil
}

func (f *fakeSocket) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
