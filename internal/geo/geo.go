package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the minimal interface required by the dispatch path and handlers.
type Geo interface {
	Upsert(d models.Driver)
	Remove(driverID string)
	// FindNearest returns the closest online driver to point within
	// maxRadiusKm, skipping every id in exclude. ok is false when no
	// eligible driver remains.
	FindNearest(point models.Coord, exclude map[string]struct{}, maxRadiusKm float64) (models.Candidate, bool)
	// Lookup returns the current presence record for one driver.
	Lookup(driverID string) (models.Driver, bool)
	OnlineCount() int
}

// Index is the in-memory implementation. A linear scan is fine at the
// fleet sizes this serves; a geohash or H3 bucketing layer is the
// extension point if that ever stops being true.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

func (g *Index) Lookup(driverID string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

func (g *Index) OnlineCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

func (g *Index) FindNearest(point models.Coord, exclude map[string]struct{}, maxRadiusKm float64) (models.Candidate, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cands := make([]models.Candidate, 0, len(g.drivers))
	for id, d := range g.drivers {
		if _, skip := exclude[id]; skip {
			continue
		}
		dist := HaversineKm(point.Lat, point.Lng, d.Loc.Lat, d.Loc.Lng)
		if dist > maxRadiusKm {
			continue
		}
		cands = append(cands, models.Candidate{Driver: d, DistanceKm: dist})
	}
	if len(cands) == 0 {
		return models.Candidate{}, false
	}
	// Secondary sort on driver id keeps equal-distance picks deterministic.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].ID < cands[j].ID
	})
	return cands[0], true
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
