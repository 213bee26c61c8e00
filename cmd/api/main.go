package main

import (
	"log"

	"dropproof/internal/httpapi"
	"dropproof/pkg/blobstore"
	"dropproof/pkg/celengine"
	"dropproof/pkg/config"
	"dropproof/pkg/db"
	"dropproof/pkg/featureflags"
	"dropproof/pkg/ffmpeg"
	"dropproof/pkg/gateway"
	"dropproof/pkg/gen"
	"dropproof/pkg/hashistack/secretmanager"
	"dropproof/pkg/hashistack/servicediscover"
	"dropproof/pkg/health"
	"dropproof/pkg/logger"
	"dropproof/pkg/otelcol"
	"dropproof/pkg/profiling"
	"dropproof/pkg/redis"
	"dropproof/pkg/sequence"
	"dropproof/pkg/server"
	"dropproof/pkg/task"
	"dropproof/services/cashout"
	"dropproof/services/geo"
	"dropproof/services/ledger"
	"dropproof/services/reconciliation"
	"dropproof/services/scoring"
	"dropproof/services/submission"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		blobstore.Module,
		ffmpeg.Module,
		featureflags.Module,
		celengine.Module,
		gateway.Module,
		task.Client,

		geo.Module,
		scoring.Module,
		ledger.Module,
		submission.Module,
		cashout.Module,
		reconciliation.Module,

		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
