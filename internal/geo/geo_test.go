package geo

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := HaversineKm(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// central Bangalore to Koramangala-ish, a few km apart
	d := HaversineKm(12.97, 77.59, 12.93, 77.61)
	if d < 4 || d > 6 {
		t.Fatalf("expected roughly 5km, got %f", d)
	}
}

func TestFindNearestPrefersCloserDriver(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.975, Lng: 77.592}})
	idx.Upsert(models.Driver{ID: "D2", Loc: models.Coord{Lat: 13.10, Lng: 77.70}})

	c, ok := idx.FindNearest(models.Coord{Lat: 12.97, Lng: 77.59}, nil, 50)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if c.ID != "D1" {
		t.Fatalf("expected D1, got %s", c.ID)
	}
}

func TestFindNearestHonorsExclusion(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.975, Lng: 77.592}})
	idx.Upsert(models.Driver{ID: "D2", Loc: models.Coord{Lat: 13.00, Lng: 77.60}})

	exclude := map[string]struct{}{"D1": {}}
	c, ok := idx.FindNearest(models.Coord{Lat: 12.97, Lng: 77.59}, exclude, 50)
	if !ok || c.ID != "D2" {
		t.Fatalf("expected D2 after excluding D1, got %+v ok=%v", c, ok)
	}

	exclude["D2"] = struct{}{}
	if _, ok := idx.FindNearest(models.Coord{Lat: 12.97, Lng: 77.59}, exclude, 50); ok {
		t.Fatal("expected no candidate once all drivers are excluded")
	}
}

func TestFindNearestRadiusBound(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "far", Loc: models.Coord{Lat: 20.0, Lng: 80.0}})

	if _, ok := idx.FindNearest(models.Coord{Lat: 12.97, Lng: 77.59}, nil, 50); ok {
		t.Fatal("driver outside radius should not match")
	}
}

func TestFindNearestTieBreaksOnDriverID(t *testing.T) {
	idx := NewIndex()
	loc := models.Coord{Lat: 12.98, Lng: 77.60}
	idx.Upsert(models.Driver{ID: "zeta", Loc: loc})
	idx.Upsert(models.Driver{ID: "alpha", Loc: loc})

	c, ok := idx.FindNearest(models.Coord{Lat: 12.97, Lng: 77.59}, nil, 50)
	if !ok || c.ID != "alpha" {
		t.Fatalf("expected alpha on tie, got %+v", c)
	}
}

func TestRemoveTakesDriverOffline(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.97, Lng: 77.59}})
	if idx.OnlineCount() != 1 {
		t.Fatalf("expected 1 online, got %d", idx.OnlineCount())
	}
	idx.Remove("D1")
	idx.Remove("D1") // no-op when absent
	if idx.OnlineCount() != 0 {
		t.Fatalf("expected 0 online, got %d", idx.OnlineCount())
	}
	if _, ok := idx.FindNearest(models.Coord{Lat: 12.97, Lng: 77.59}, nil, 50); ok {
		t.Fatal("removed driver should not match")
	}
}
