package main

import (
	"context"
	"flag"
	"log"
	"os"

	"dropproof/pkg/config"
	"dropproof/pkg/db"
	"dropproof/pkg/gen"
	"dropproof/pkg/hashistack/secretmanager"
	"dropproof/pkg/logger"
	"dropproof/services/geo"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// droppoint upserts drop points from a CSV file keyed by code:
//
//	go run ./cmd/seed/droppoint -file drop_points.csv
func main() {
	file := flag.String("file", "drop_points.csv", "CSV with name,latitude,longitude,radius_meters[,code,active]")
	flag.Parse()

	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		geo.Module,
		fx.Supply(seedFile(*file)),
		fx.Invoke(seed),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

type seedFile string

func seed(lc fx.Lifecycle, svc *geo.Service, file seedFile, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			f, err := os.Open(string(file))
			if err != nil {
				return err
			}
			defer f.Close()

			points, err := geo.ParseCSV(f)
			if err != nil {
				return err
			}
			if err := svc.Upsert(context.WithoutCancel(ctx), points); err != nil {
				return err
			}

			zap.L().Info("[seed] drop points upserted", zap.Int("count", len(points)), zap.String("file", string(file)))
			return shutdowner.Shutdown()
		},
	})
}
