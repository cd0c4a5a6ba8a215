package types

import (
	"crypto/rand"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// ============================================================================
//                              NodeID - 节点标识
// ============================================================================

// NodeID 节点唯一标识符
//
// 不透明的不可变字节串。相等与哈希按完整字节内容计算，
// 文本表示（Base58）仅用于日志与配置。
//
// 底层使用 string 承载字节：值语义、可直接作为 map 键。
type NodeID string

// EmptyNodeID 未知节点ID
var EmptyNodeID NodeID

// ErrInvalidNodeID 无效的节点ID错误
var ErrInvalidNodeID = errors.New("invalid node ID")

// String 返回 NodeID 的 Base58 字符串表示
func (id NodeID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode([]byte(id))
}

// ShortString 返回 NodeID 的短字符串表示
//
// 格式：Base58 前 8 个字符，用于日志中的简短标识。
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 NodeID 的字节切片副本
func (id NodeID) Bytes() []byte {
	return []byte(id)
}

// Equal 比较两个 NodeID 是否相等
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// Less 按字典序比较两个 NodeID
//
// 用于路由表的平局裁决（相同延迟时选择较小的下一跳）。
func (id NodeID) Less(other NodeID) bool {
	return id < other
}

// IsEmpty 检查 NodeID 是否为空（未知）
func (id NodeID) IsEmpty() bool {
	return id == EmptyNodeID
}

// MarshalCBOR 将 NodeID 编码为 CBOR 字节串
//
// 线上表示是不透明字节串，而不是文本串。
func (id NodeID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([]byte(id))
}

// UnmarshalCBOR 从 CBOR 字节串解码 NodeID
func (id *NodeID) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	*id = NodeID(b)
	return nil
}

// NodeIDFromBytes 从字节切片创建 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) == 0 {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeID(b), nil
}

// NodeIDFromKey 从公钥材料派生 NodeID
//
// 公式：NodeID = BLAKE3-256(material)
func NodeIDFromKey(material []byte) NodeID {
	sum := blake3.Sum256(material)
	return NodeID(sum[:])
}

// GenerateNodeID 生成随机 NodeID
//
// 用于没有固定身份密钥的临时节点。
func GenerateNodeID() NodeID {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return NodeIDFromKey(seed)
}

// ParseNodeID 从 Base58 字符串解析 NodeID
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return EmptyNodeID, ErrInvalidNodeID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeID(b), nil
}
