// Package telephony 定义电话媒体流WebSocket的线缆信封格式。
//
// 双向信封均为JSON对象，音频事件形如：
//
//	{"event":"media","media":{"payload":"<base64 µ-law>"}}
//
// 解码在连接边界完成一次，产出带标签的消息类型，后续处理
// 无需再接触原始JSON。
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// 事件名常量
const (
	EventMedia     = "media"
	EventStart     = "start"
	EventStop      = "stop"
	EventConnected = "connected"
)

var (
	ErrBadEnvelope = errors.New("bad telephony envelope")
	ErrBadPayload  = errors.New("bad media payload")
)

// envelope 线缆上的原始信封结构
type envelope struct {
	Event string `json:"event"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Start *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	StreamSid string `json:"streamSid,omitempty"`
}

// Message 入站电话消息的标签联合类型
type Message interface {
	isMessage()
}

// Media 一帧µ-law音频，Payload已完成base64解码
type Media struct {
	Payload []byte
}

// Start 流开始控制消息，携带媒体流标识
type Start struct {
	StreamSid string
	CallSid   string
}

// Stop 流结束控制消息
type Stop struct{}

// Unknown 未识别的事件，中继忽略但保留原始内容供日志使用
type Unknown struct {
	Event string
	Raw   []byte
}

func (Media) isMessage()   {}
func (Start) isMessage()   {}
func (Stop) isMessage()    {}
func (Unknown) isMessage() {}

// Decode 将一条入站WebSocket消息解码为带标签的Message。
// 信封损坏或payload非法的帧返回错误，由调用方丢弃该帧。
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	switch env.Event {
	case EventMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return nil, fmt.Errorf("%w: media event without payload", ErrBadEnvelope)
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return Media{Payload: payload}, nil

	case EventStart:
		msg := Start{StreamSid: env.StreamSid}
		if env.Start != nil {
			if env.Start.StreamSid != "" {
				msg.StreamSid = env.Start.StreamSid
			}
			msg.CallSid = env.Start.CallSid
		}
		return msg, nil

	case EventStop:
		return Stop{}, nil

	default:
		return Unknown{Event: env.Event, Raw: raw}, nil
	}
}

// outboundMedia 出站媒体信封
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// EncodeMedia 将一帧µ-law音频包装为出站媒体信封
func EncodeMedia(streamSid string, mulaw []byte) ([]byte, error) {
	if len(mulaw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrBadPayload)
	}

	msg := outboundMedia{Event: EventMedia, StreamSid: streamSid}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(mulaw)
	return json.Marshal(msg)
}
