package transport

import (
	"fmt"
	"sync"

	"github.com/dep2p/go-mesh/pkg/interfaces"
)

// ============================================================================
//                              传输注册表
// ============================================================================

// Registry 按名称索引的传输集合
type Registry struct {
	mu         sync.RWMutex
	transports map[string]interfaces.Transport
}

// NewRegistry 创建注册表
func NewRegistry(transports ...interfaces.Transport) *Registry {
	r := &Registry{transports: make(map[string]interfaces.Transport, len(transports))}
	for _, t := range transports {
		r.transports[t.Name()] = t
	}
	return r
}

// Register 登记一个传输
//
// 同名传输后登记者覆盖前者。
func (r *Registry) Register(t interfaces.Transport) {
	r.mu.Lock()
	r.transports[t.Name()] = t
	r.mu.Unlock()
}

// Get 按名称查找传输
func (r *Registry) Get(name string) (interfaces.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	if !ok {
		return nil, fmt.Errorf("transport: unknown transport %q", name)
	}
	return t, nil
}

// Names 返回所有已登记的传输名称
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transports))
	for name := range r.transports {
		out = append(out, name)
	}
	return out
}
