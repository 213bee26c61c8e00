package geo

import (
	"context"
	"time"

	"dropproof/pkg/config"
	"dropproof/pkg/errutil"
	"dropproof/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Module = fx.Module("geo.service",
	fx.Provide(provideIndex, NewService),
)

func provideIndex(db *gorm.DB, cfg *config.Config) *Index {
	return NewIndex(db, cfg.Geo.CacheTTL)
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	index *Index
	repo  repository.Repository[DropPoint]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Index *Index
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		index: p.Index,
		repo:  repository.ProvideStore[DropPoint](p.DB),
	}
}

func (s *Service) Index() *Index { return s.index }

// Upsert inserts or updates drop points keyed by Code.
func (s *Service) Upsert(ctx context.Context, points []DropPoint) error {
	for i := range points {
		p := &points[i]
		if p.Code == "" {
			return errutil.ValidationFailed("drop point code is required", nil)
		}
		if !p.Coordinate().Valid() {
			return errutil.ValidationFailed("drop point coordinate out of range", nil,
				errutil.WithDetails(errutil.Detail{Field: "code", Message: p.Code}))
		}
		if p.RadiusMeters <= 0 {
			return errutil.ValidationFailed("drop point radius must be positive", nil,
				errutil.WithDetails(errutil.Detail{Field: "code", Message: p.Code}))
		}
		if p.ID == "" {
			p.ID = s.node.Generate().String()
		}
		p.UpdatedAt = time.Now().UTC()
	}

	if len(points) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "latitude", "longitude", "radius_meters", "active", "updated_at"}),
	}).Create(&points).Error
	if err != nil {
		zap.L().Error("failed to upsert drop points", zap.Error(err))
		return err
	}

	s.index.Invalidate()
	return nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]*DropPoint, error) {
	query := &DropPoint{}
	if activeOnly {
		query.Active = true
	}
	return s.repo.Find(ctx, query)
}
