package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/carpool/internal/models"
)

// Index is a proximity index over named points. The trip registry keeps trip
// origins in it so open-trip queries can be narrowed by radius.
type Index interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
	Remove(ctx context.Context, id string) error
	Within(ctx context.Context, c models.Coord, radiusMeters float64) ([]string, error)
}

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b models.Coord) (float64, error) {
	if !a.Valid() {
		return 0, models.Invalid("from", "is not a valid coordinate")
	}
	if !b.Valid() {
		return 0, models.Invalid("to", "is not a valid coordinate")
	}
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon), nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, id string, c models.Coord) error {
	if !c.Valid() {
		return models.Invalid("coord", "is not a valid coordinate")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = c
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

// naive scan; fine for the in-process store
func (g *MemoryIndex) Within(_ context.Context, c models.Coord, radiusMeters float64) ([]string, error) {
	if !c.Valid() {
		return nil, models.Invalid("coord", "is not a valid coordinate")
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0)
	for id, p := range g.points {
		if Haversine(c.Lat, c.Lon, p.Lat, p.Lon) <= radiusMeters {
			out = append(out, id)
		}
	}
	return out, nil
}
