package bootstrap

import (
	"context"
	"os"

	"dropproof/services/geo"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("bootstrap",
	fx.Provide(
		NewService,
	),
	fx.Invoke(runBootstrap),
)

// Run after DB initialized
func runBootstrap(lc fx.Lifecycle, b *Service, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := b.Migrate(ctx); err != nil {
				return err
			}

			if path := b.config.Bootstrap.DropPointsFile; path != "" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()

				points, err := geo.ParseCSV(f)
				if err != nil {
					return err
				}
				if _, err := b.SeedDropPoints(ctx, points); err != nil {
					return err
				}
			}

			zap.L().Info("[bootstrap] done")
			return shutdowner.Shutdown()
		},
	})
}
