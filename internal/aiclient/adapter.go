// Package aiclient 封装到语音AI服务端的出站会话。
//
// 中继只依赖Adapter这个窄接口：建连、送音频、收音频回调、
// 取转写文本、关闭。真实实现走WebSocket实时协议；测试使用
// 包外注入的假实现。
package aiclient

import (
	"context"
	"errors"
	"time"

	"CallAudioRelay/internal/store"
)

var (
	// ErrConnectFailed 鉴权或协商失败，整个会话就此终止
	ErrConnectFailed = errors.New("ai adapter connect failed")
	// ErrClosed 适配器已关闭
	ErrClosed = errors.New("ai adapter closed")
)

// Adapter 语音AI出站会话的边界接口。
//
// SendAudio在连接就绪前调用是无操作（帧被静默丢弃）；
// OnAudioOutput的回调相对SendAudio异步触发；Close幂等。
type Adapter interface {
	// Connect 建立出站会话，鉴权或协商失败返回ErrConnectFailed
	Connect(ctx context.Context, cfg *store.AgentConfig) error

	// SendAudio 发送一帧24kHz 16位PCM音频，即发即忘
	SendAudio(pcm []byte)

	// OnAudioOutput 注册可播放音频到达时的回调（24kHz 16位PCM）
	OnAudioOutput(fn func(pcm []byte))

	// OnClosed 注册出站连接致命失败或对端关闭时的回调
	OnClosed(fn func(err error))

	// Transcript 返回到当前为止累积的转写文本，无则为空串
	Transcript() string

	// Close 释放出站连接，可安全重复调用
	Close() error
}

// Factory 每个呼叫会话创建一个独立的Adapter实例
type Factory func() Adapter

// ProviderConfig 语音AI服务端的进程级配置。
// 按配置显式构造工厂，再注入各会话，不从环境隐式取值。
type ProviderConfig struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// DefaultProviderConfig 返回默认的服务端配置
func DefaultProviderConfig(url, apiKey string) *ProviderConfig {
	return &ProviderConfig{
		URL:              url,
		APIKey:           apiKey,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1024 * 1024,
	}
}

// NewFactory 基于服务端配置构造Adapter工厂
func NewFactory(cfg *ProviderConfig) Factory {
	return func() Adapter {
		return newClient(cfg)
	}
}
