package mesh

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-mesh/internal/config"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// listenAddr 监听项：传输名 + 地址
type listenAddr struct {
	transport string
	addr      string
}

// options 内部选项结构
type options struct {
	// 身份
	nodeID       types.NodeID
	capabilities []string

	// 端点模式
	endpoint bool

	// 认证
	authProviders []interfaces.AuthProvider

	// 传输与监听
	transports []interfaces.Transport
	listens    []listenAddr

	// 超时调整
	requestTimeout time.Duration

	// 指标
	registerer prometheus.Registerer

	// 时钟（测试注入）
	clk clock.Clock
}

// newOptions 创建默认选项
func newOptions() *options {
	return &options{}
}

// toConfig 转换为内部配置
func (o *options) toConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	cfg.NodeID = o.nodeID
	if cfg.NodeID.IsEmpty() {
		cfg.NodeID = types.GenerateNodeID()
	}
	cfg.Capabilities = o.capabilities
	cfg.Endpoint = o.endpoint
	if o.requestTimeout > 0 {
		cfg.RequestTimeout = o.requestTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
//                              选项函数
// ============================================================================

// WithNodeID 指定节点标识
//
// 不指定时随机生成。
func WithNodeID(id types.NodeID) Option {
	return func(o *options) error {
		if id.IsEmpty() {
			return errors.New("mesh: node ID must not be empty")
		}
		o.nodeID = id
		return nil
	}
}

// WithCapabilities 设置能力集（原样上线，不参与协商逻辑）
func WithCapabilities(caps ...string) Option {
	return func(o *options) error {
		o.capabilities = caps
		return nil
	}
}

// WithEndpoint 启用端点模式
//
// 端点只收发自己的消息：不广播路由、不为他人转发。
func WithEndpoint() Option {
	return func(o *options) error {
		o.endpoint = true
		return nil
	}
}

// WithAuthProviders 设置认证提供者
//
// 顺序即客户端的尝试顺序。不设置时使用 anonymous。
func WithAuthProviders(providers ...interfaces.AuthProvider) Option {
	return func(o *options) error {
		o.authProviders = providers
		return nil
	}
}

// WithTransport 登记一个传输
func WithTransport(t interfaces.Transport) Option {
	return func(o *options) error {
		if t == nil {
			return errors.New("mesh: transport must not be nil")
		}
		o.transports = append(o.transports, t)
		return nil
	}
}

// WithListen 在指定传输上监听
//
// 传输需先经 WithTransport 登记。
func WithListen(transportName, addr string) Option {
	return func(o *options) error {
		o.listens = append(o.listens, listenAddr{transport: transportName, addr: addr})
		return nil
	}
}

// WithRequestTimeout 调整消息确认超时
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("mesh: request timeout must be positive")
		}
		o.requestTimeout = d
		return nil
	}
}

// WithMetricsRegisterer 指定 Prometheus 注册器
//
// 不指定时节点使用私有注册器（可经 MetricsGatherer 抓取）。
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) error {
		o.registerer = r
		return nil
	}
}

// WithClock 注入时钟（测试用）
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		o.clk = clk
		return nil
	}
}
