package scoring

import (
	"dropproof/pkg/config"

	"go.uber.org/fx"
)

var Module = fx.Module("scoring.engine",
	fx.Provide(func(cfg *config.Config) (*Engine, error) {
		p, err := PolicyFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return NewEngine(p), nil
	}),
)
