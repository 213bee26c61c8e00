package main

import (
	"log"

	"dropproof/pkg/config"
	"dropproof/pkg/db"
	"dropproof/pkg/gen"
	"dropproof/pkg/hashistack/secretmanager"
	"dropproof/pkg/logger"
	"dropproof/services/bootstrap"
	"dropproof/services/geo"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// migrate creates the schema and, when BOOTSTRAP.DROP_POINTS_FILE is set,
// seeds drop points into an empty table. It exits once done.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		geo.Module,
		bootstrap.Module,
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
