package gen

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/config"
)

// NodeModule provides the snowflake node used for primary keys. Each binary
// passes its own fallback so processes sharing a database never collide
// unless SNOWFLAKE.NODE_ID overrides it.
func NodeModule(fallback int64) fx.Option {
	return fx.Module("snowflake",
		fx.Provide(func(cfg *config.Config) (*snowflake.Node, error) {
			return NewNode(cfg, fallback)
		}),
	)
}

func NewNode(cfg *config.Config, fallback int64) (*snowflake.Node, error) {
	id := fallback
	if cfg.Snowflake.NodeID > 0 {
		id = cfg.Snowflake.NodeID
	}

	node, err := snowflake.NewNode(id)
	if err != nil {
		zap.L().Error("failed to init snowflake node", zap.Int64("node_id", id), zap.Error(err))
		return nil, err
	}
	return node, nil
}
