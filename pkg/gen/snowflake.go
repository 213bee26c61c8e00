package gen

import (
	"fmt"

	"dropproof/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake", fx.Provide(NewNode))

// NewNode returns the id generator for this process. NODE_ID must be unique per
// running replica, otherwise ids collide.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	zap.L().Info("snowflake node ready", zap.Int64("node_id", cfg.NodeID))
	return node, nil
}
