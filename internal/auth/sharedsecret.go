package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/dep2p/go-mesh/pkg/interfaces"
)

// SharedSecretID shared-secret 认证方式标识
const SharedSecretID = "shared-secret"

// challengeSize 质询长度
const challengeSize = 32

// hkdfSalt 密钥派生盐值（协议常量）
var hkdfSalt = []byte("go-mesh-shared-secret-v1")

// ============================================================================
//                              SharedSecret 提供者
// ============================================================================

// SharedSecret 预共享密钥认证提供者
//
// 质询应答流程：
//  1. 客户端 Auth 携带空初始数据
//  2. 服务端回 32 字节随机质询
//  3. 客户端回 HMAC-SHA256(k, challenge)，k 由 HKDF 从预共享密钥
//     与双方信道绑定材料派生
//  4. 服务端验证后放行
//
// 信道绑定材料按字节序排序后拼入 HKDF info，双方派生出相同密钥。
type SharedSecret struct {
	secret []byte
}

// NewSharedSecret 创建预共享密钥认证提供者
func NewSharedSecret(secret []byte) *SharedSecret {
	return &SharedSecret{secret: secret}
}

// ID 返回认证方式标识
func (s *SharedSecret) ID() string { return SharedSecretID }

// CreateClientFlow 创建客户端 flow
func (s *SharedSecret) CreateClientFlow(ctx interfaces.AuthContext) (interfaces.ClientAuthFlow, error) {
	return &sharedSecretClientFlow{key: s.deriveKey(ctx)}, nil
}

// CreateServerFlow 创建服务端 flow
func (s *SharedSecret) CreateServerFlow(ctx interfaces.AuthContext) (interfaces.ServerAuthFlow, error) {
	return &sharedSecretServerFlow{key: s.deriveKey(ctx)}, nil
}

// deriveKey 派生会话认证密钥
func (s *SharedSecret) deriveKey(ctx interfaces.AuthContext) []byte {
	lo, hi := ctx.LocalPublicSecurity, ctx.RemotePublicSecurity
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	info := make([]byte, 0, len(lo)+len(hi))
	info = append(info, lo...)
	info = append(info, hi...)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, hkdfSalt, info), key); err != nil {
		panic("auth: hkdf expand failed: " + err.Error())
	}
	return key
}

// ============================================================================
//                              客户端 flow
// ============================================================================

type sharedSecretClientFlow struct {
	key []byte
}

func (f *sharedSecretClientFlow) InitialMessage(context.Context) ([]byte, error) {
	return nil, nil
}

func (f *sharedSecretClientFlow) ReceiveData(_ context.Context, data []byte) (interfaces.AuthReply, error) {
	if len(data) != challengeSize {
		return interfaces.AuthReply{Kind: interfaces.AuthReplyReject}, nil
	}

	mac := hmac.New(sha256.New, f.key)
	mac.Write(data)
	return interfaces.AuthReply{Kind: interfaces.AuthReplyData, Data: mac.Sum(nil)}, nil
}

func (f *sharedSecretClientFlow) Destroy() error {
	f.key = nil
	return nil
}

// ============================================================================
//                              服务端 flow
// ============================================================================

type sharedSecretServerFlow struct {
	key       []byte
	challenge []byte
}

func (f *sharedSecretServerFlow) ReceiveInitial(context.Context, []byte) (interfaces.AuthReply, error) {
	f.challenge = make([]byte, challengeSize)
	if _, err := rand.Read(f.challenge); err != nil {
		return interfaces.AuthReply{}, err
	}
	return interfaces.AuthReply{Kind: interfaces.AuthReplyData, Data: f.challenge}, nil
}

func (f *sharedSecretServerFlow) ReceiveData(_ context.Context, data []byte) (interfaces.AuthReply, error) {
	if f.challenge == nil {
		return interfaces.AuthReply{Kind: interfaces.AuthReplyReject}, nil
	}

	mac := hmac.New(sha256.New, f.key)
	mac.Write(f.challenge)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, data) != 1 {
		return interfaces.AuthReply{Kind: interfaces.AuthReplyReject}, nil
	}
	return interfaces.AuthReply{Kind: interfaces.AuthReplyOk}, nil
}

func (f *sharedSecretServerFlow) Destroy() error {
	f.key = nil
	f.challenge = nil
	return nil
}

var (
	_ interfaces.ClientAuthProvider = (*SharedSecret)(nil)
	_ interfaces.ServerAuthProvider = (*SharedSecret)(nil)
)
