// Package auth 实现认证提供者注册表与内置提供者
//
// 注册表维护有序提供者列表：客户端按配置顺序逐个尝试，
// 服务端按 Auth 帧携带的方式标识查找。内置提供者：
//   - anonymous：无凭据，直接放行
//   - shared-secret：预共享密钥的质询应答
package auth

import (
	"github.com/dep2p/go-mesh/pkg/interfaces"
)

// ============================================================================
//                              Registry 实现
// ============================================================================

// Registry 认证提供者注册表
//
// 创建后不可变，无需加锁。
type Registry struct {
	ordered []interfaces.AuthProvider
	byID    map[string]interfaces.AuthProvider
}

// NewRegistry 创建注册表
//
// 提供者顺序即客户端的尝试顺序；重复标识后者覆盖前者的查找项，
// 但保留列表顺序。
func NewRegistry(providers ...interfaces.AuthProvider) *Registry {
	r := &Registry{
		ordered: make([]interfaces.AuthProvider, 0, len(providers)),
		byID:    make(map[string]interfaces.AuthProvider, len(providers)),
	}
	for _, p := range providers {
		r.ordered = append(r.ordered, p)
		r.byID[p.ID()] = p
	}
	return r
}

// Providers 返回按配置顺序排列的提供者列表
func (r *Registry) Providers() []interfaces.AuthProvider {
	out := make([]interfaces.AuthProvider, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Provider 按方式标识查找提供者
func (r *Registry) Provider(id string) (interfaces.AuthProvider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// 确保实现接口
var _ interfaces.AuthRegistry = (*Registry)(nil)
