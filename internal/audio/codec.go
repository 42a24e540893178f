package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 音频格式常量
const (
	// NarrowbandRate 电话侧采样率（G.711 µ-law）
	NarrowbandRate = 8000
	// WidebandRate AI侧采样率（16位线性PCM）
	WidebandRate = 24000
	// UpsampleFactor 上采样倍数（8kHz -> 24kHz）
	UpsampleFactor = WidebandRate / NarrowbandRate

	// NarrowbandFrame20ms 20ms电话帧的µ-law字节数
	NarrowbandFrame20ms = NarrowbandRate / 50 // 160
	// WidebandFrame20ms 20ms宽带帧的PCM字节数（16位样本）
	WidebandFrame20ms = WidebandRate / 50 * 2 // 960
)

// µ-law编码参数（G.711标准）
const (
	mulawBias = 0x84
	mulawClip = 32635
)

var (
	// ErrMalformedAudio 输入长度不符合编码单元
	ErrMalformedAudio = errors.New("malformed audio input")
)

// mulawDecodeTable 256项µ-law解码查找表，进程启动时构建一次
var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}
}

// decodeMulawSample 将单个µ-law字节解码为16位线性样本
func decodeMulawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int32(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias

	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// encodeMulawSample 将16位线性样本压缩为µ-law字节
func encodeMulawSample(sample int16) byte {
	sign := byte(0)
	value := int32(sample)
	if value < 0 {
		sign = 0x80
		value = -value
	}
	if value > mulawClip {
		value = mulawClip
	}
	value += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); (value&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte((value >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// NarrowbandToWideband 将8kHz µ-law单声道音频转换为24kHz 16位小端PCM。
//
// 每个µ-law字节解码为一个线性样本，再以3倍线性插值上采样。
// 转换是纯函数且无状态，可被多个会话并发调用。
func NarrowbandToWideband(mulaw []byte) ([]byte, error) {
	if len(mulaw) == 0 {
		return nil, fmt.Errorf("%w: empty narrowband frame", ErrMalformedAudio)
	}

	n := len(mulaw)
	samples := make([]int16, n)
	for i, b := range mulaw {
		samples[i] = mulawDecodeTable[b]
	}

	out := make([]byte, n*UpsampleFactor*2)
	for i := 0; i < n; i++ {
		cur := int32(samples[i])
		next := cur
		if i+1 < n {
			next = int32(samples[i+1])
		}

		// 相位0保持原样本，相位1/2在相邻样本间线性插值
		for k := 0; k < UpsampleFactor; k++ {
			v := cur + (next-cur)*int32(k)/UpsampleFactor
			idx := (i*UpsampleFactor + k) * 2
			binary.LittleEndian.PutUint16(out[idx:idx+2], uint16(int16(v)))
		}
	}

	return out, nil
}

// WidebandToNarrowband 将24kHz 16位小端PCM转换为8kHz µ-law单声道音频。
//
// 输入必须是完整的16位样本且样本数为3的倍数（一个8kHz输出样本
// 对应三个24kHz输入样本），否则返回ErrMalformedAudio。
func WidebandToNarrowband(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: wideband frame must contain whole 16-bit samples, got %d bytes",
			ErrMalformedAudio, len(pcm))
	}

	numSamples := len(pcm) / 2
	if numSamples%UpsampleFactor != 0 {
		return nil, fmt.Errorf("%w: wideband sample count %d is not a multiple of %d",
			ErrMalformedAudio, numSamples, UpsampleFactor)
	}

	out := make([]byte, numSamples/UpsampleFactor)
	for i := range out {
		// 抽取相位0样本，与上采样端保持对齐
		idx := i * UpsampleFactor * 2
		sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
		out[i] = encodeMulawSample(sample)
	}

	return out, nil
}
