package topology

import (
	"context"

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
	Clock      clock.Clock
	Registerer prometheus.Registerer `optional:"true"`
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("topology",
		fx.Provide(ProvideTopology),
		fx.Invoke(registerLifecycle),
	)
}

// ProvideTopology 提供 Topology 实例
func ProvideTopology(input ModuleInput) *Topology {
	return New(input.Config, input.Clock, input.Registerer)
}

// registerLifecycle 注册生命周期
func registerLifecycle(lc fx.Lifecycle, t *Topology) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			t.Close(ctx)
			return nil
		},
	})
}
