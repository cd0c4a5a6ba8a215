// Package wire 实现协议帧的 CBOR 编解码
//
// 每帧封装为 {type, payload} 信封：type 是封闭枚举的帧类型，
// payload 是该帧结构的 CBOR 编码。NodeID 在线上始终是不透明字节串。
// 流式传输（TCP、本机 IPC）使用大端 uint32 长度前缀；
// 报文式传输（WebSocket）一条消息承载一个信封。
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/dep2p/go-mesh/pkg/types"
)

// 帧大小限制
const (
	// MaxFrameSize 单帧最大长度 (2 MB)
	MaxFrameSize uint32 = 2 * 1024 * 1024
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrFrameTooLarge 帧超出大小限制
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnknownFrameType 未知帧类型
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// ============================================================================
//                              编解码模式
// ============================================================================

// 编码采用确定性模式，解码拒绝重复键与不定长项
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("wire: create CBOR enc mode: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 65536,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic("wire: create CBOR dec mode: " + err.Error())
	}
}

// envelope 帧信封
type envelope struct {
	Type    uint8           `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// ============================================================================
//                              编码 / 解码
// ============================================================================

// Encode 将帧编码为信封字节串
func Encode(frame types.Frame) ([]byte, error) {
	payload, err := encMode.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frame.FrameType(), err)
	}

	data, err := encMode.Marshal(envelope{
		Type:    uint8(frame.FrameType()),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", frame.FrameType(), err)
	}

	if uint32(len(data)) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode 从信封字节串解码帧
func Decode(data []byte) (types.Frame, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	frame := newFrame(types.FrameType(env.Type))
	if frame == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, env.Type)
	}

	if len(env.Payload) > 0 {
		if err := decMode.Unmarshal(env.Payload, frame); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.FrameType(), err)
		}
	}
	return frame, nil
}

// newFrame 按类型分配空帧
func newFrame(t types.FrameType) types.Frame {
	switch t {
	case types.FrameHello:
		return &types.Hello{}
	case types.FrameSelect:
		return &types.Select{}
	case types.FrameAuth:
		return &types.Auth{}
	case types.FrameAuthData:
		return &types.AuthData{}
	case types.FrameOk:
		return &types.Ok{}
	case types.FrameReject:
		return &types.Reject{}
	case types.FrameBegin:
		return &types.Begin{}
	case types.FramePing:
		return &types.Ping{}
	case types.FramePong:
		return &types.Pong{}
	case types.FrameBye:
		return &types.Bye{}
	case types.FrameNodeSummary:
		return &types.NodeSummary{}
	case types.FrameNodeRequest:
		return &types.NodeRequest{}
	case types.FrameNodeDetails:
		return &types.NodeDetails{}
	case types.FrameData:
		return &types.Data{}
	case types.FrameDataAck:
		return &types.DataAck{}
	case types.FrameDataReject:
		return &types.DataReject{}
	default:
		return nil
	}
}

// ============================================================================
//                              流式读写
// ============================================================================

// WriteFrame 写入一帧（uint32 大端长度前缀 + 信封）
func WriteFrame(w io.Writer, frame types.Frame) error {
	data, err := Encode(frame)
	if err != nil {
		return err
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))

	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame 读取一帧
func ReadFrame(r io.Reader) (types.Frame, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(length[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return Decode(data)
}
