package geo

import (
	"context"
	"sync"
	"time"

	"dropproof/pkg/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "geo_drop_point_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "geo_drop_point_cache_miss_total"})
)

// Index answers nearest-drop-point queries from a TTL snapshot of active points.
type Index struct {
	repo repository.Repository[DropPoint]
	ttl  time.Duration
	now  func() time.Time

	mu       sync.RWMutex
	points   []DropPoint
	loadedAt time.Time
	group    singleflight.Group
}

func NewIndex(db *gorm.DB, ttl time.Duration) *Index {
	return &Index{
		repo: repository.ProvideStore[DropPoint](db),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (i *Index) cached() ([]DropPoint, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.loadedAt.IsZero() || (i.ttl > 0 && i.now().Sub(i.loadedAt) > i.ttl) {
		return nil, false
	}
	return i.points, true
}

// Active returns the active drop points, reloading at most once per TTL across callers.
func (i *Index) Active(ctx context.Context) ([]DropPoint, error) {
	if pts, ok := i.cached(); ok {
		cacheHits.Inc()
		return pts, nil
	}
	cacheMiss.Inc()

	v, err, _ := i.group.Do("active", func() (any, error) {
		if pts, ok := i.cached(); ok {
			return pts, nil
		}

		rows, err := i.repo.Find(ctx, &DropPoint{Active: true})
		if err != nil {
			return nil, err
		}

		pts := make([]DropPoint, 0, len(rows))
		for _, r := range rows {
			pts = append(pts, *r)
		}

		i.mu.Lock()
		i.points = pts
		i.loadedAt = i.now()
		i.mu.Unlock()
		return pts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]DropPoint), nil
}

// Nearest returns the closest active drop point; ok is false when none exist.
func (i *Index) Nearest(ctx context.Context, c Coordinate) (*Match, bool, error) {
	pts, err := i.Active(ctx)
	if err != nil {
		return nil, false, err
	}
	m, ok := Nearest(pts, c)
	return m, ok, nil
}

func (i *Index) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.loadedAt = time.Time{}
	i.points = nil
}
