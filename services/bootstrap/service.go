package bootstrap

import (
	"context"
	"fmt"

	"dropproof/pkg/config"
	"dropproof/services/cashout"
	"dropproof/services/geo"
	"dropproof/services/ledger"
	"dropproof/services/reconciliation"
	"dropproof/services/submission"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table owned by the service, in dependency order.
func Models() []any {
	return []any{
		&geo.DropPoint{},
		&submission.Submission{},
		&submission.Event{},
		&ledger.Wallet{},
		&ledger.LedgerEntry{},
		&cashout.CashoutRequest{},
		&cashout.PayoutTransaction{},
		&cashout.Event{},
		&reconciliation.WebhookEvent{},
	}
}

type Service struct {
	db     *gorm.DB
	config *config.Config
	geo    *geo.Service
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
	Geo    *geo.Service `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, config: p.Config, geo: p.Geo}
}

func (s *Service) Migrate(ctx context.Context) error {
	zap.L().Info("[bootstrap] migrating schema", zap.String("database", s.config.Database.Type))

	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[bootstrap] migration failed", zap.Error(err))
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// SeedDropPoints inserts the reference drop points only when none exist yet.
func (s *Service) SeedDropPoints(ctx context.Context, points []geo.DropPoint) (int, error) {
	if s.geo == nil || len(points) == 0 {
		return 0, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&geo.DropPoint{}).Count(&count).Error; err != nil {
		return 0, err
	}
	if count > 0 {
		zap.L().Info("[bootstrap] drop points already present", zap.Int64("count", count))
		return 0, nil
	}

	if err := s.geo.Upsert(ctx, points); err != nil {
		return 0, err
	}
	zap.L().Info("[bootstrap] seeded drop points", zap.Int("count", len(points)))
	return len(points), nil
}
