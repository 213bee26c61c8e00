package geo

import (
	"math"
	"time"
)

// DropPoint is a physical disposal bin users must record themselves at.
type DropPoint struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Code         string    `gorm:"column:code;uniqueIndex"`
	Name         string    `gorm:"column:name"`
	Latitude     float64   `gorm:"column:latitude"`
	Longitude    float64   `gorm:"column:longitude"`
	RadiusMeters float64   `gorm:"column:radius_meters"`
	Active       bool      `gorm:"column:active;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (DropPoint) TableName() string { return "drop_points" }

func (p DropPoint) Coordinate() Coordinate {
	return Coordinate{Lat: p.Latitude, Lon: p.Longitude}
}

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

const earthRadiusMeters = 6371008.8

// Distance is the great-circle (haversine) distance in meters.
func Distance(a, b Coordinate) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Match is the nearest active point and how far the coordinate is from it.
type Match struct {
	Point          DropPoint
	DistanceMeters float64
}

// Nearest scans points for the closest active one. Ties resolve to the lower ID.
func Nearest(points []DropPoint, c Coordinate) (*Match, bool) {
	var best *Match
	for _, p := range points {
		if !p.Active {
			continue
		}
		d := Distance(c, p.Coordinate())
		if best == nil || d < best.DistanceMeters || (d == best.DistanceMeters && p.ID < best.Point.ID) {
			best = &Match{Point: p, DistanceMeters: d}
		}
	}
	return best, best != nil
}
