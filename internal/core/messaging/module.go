package messaging

import (
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-mesh/internal/config"
)

// ============================================================================
//                              Fx 模块
// ============================================================================

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config     *config.Config
	Router     Router
	Clock      clock.Clock
	Registerer prometheus.Registerer `optional:"true"`
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("messaging",
		fx.Provide(ProvideService),
	)
}

// ProvideService 提供消息服务实例
func ProvideService(input ModuleInput) *Service {
	return New(input.Config, input.Router, input.Clock, input.Registerer)
}
