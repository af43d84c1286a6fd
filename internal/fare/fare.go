package fare

import (
	"context"
	"log/slog"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// RouteInfo is a traffic-aware distance/duration estimate.
type RouteInfo struct {
	DistanceKm  float64
	DurationMin float64
}

// RouteInfoProvider is the optional external routing collaborator. An error
// means "unavailable"; the estimator then falls back to haversine.
type RouteInfoProvider interface {
	Estimate(ctx context.Context, origin, dest models.Coord) (RouteInfo, error)
}

// DemandSource and SupplySource feed the surge computation. Both are read
// at quote time so surge always reflects the current counts.
type DemandSource interface {
	CountPending(ctx context.Context) (int, error)
}

type SupplySource interface {
	OnlineCount() int
}

// Rates is the pricing schedule. Configuration, not business logic.
type Rates struct {
	Base             float64
	PerKm            float64
	PerMin           float64
	FallbackMinPerKm float64
}

type Quote struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	BaseFare    float64 `json:"base_fare"`
	Surge       float64 `json:"surge_multiplier"`
	FinalFare   float64 `json:"final_fare"`
}

type Estimator struct {
	Rates  Rates
	Routes RouteInfoProvider // optional
	Demand DemandSource      // optional; surge stays 1.0 without it
	Supply SupplySource
	Logger *slog.Logger
}

// Quote prices a pickup/drop pair. Deterministic given identical inputs and
// identical pending/online counts; no side effects.
func (e *Estimator) Quote(ctx context.Context, pickup, drop models.Coord) Quote {
	info := e.route(ctx, pickup, drop)
	surge := e.surge(ctx)
	base := e.Rates.Base + info.DistanceKm*e.Rates.PerKm + info.DurationMin*e.Rates.PerMin
	return Quote{
		DistanceKm:  info.DistanceKm,
		DurationMin: info.DurationMin,
		BaseFare:    base,
		Surge:       surge,
		FinalFare:   math.Round(base * surge),
	}
}

// FinalizeFare reprices a completed ride from the actual drop point. Surge
// is pinned to 1.0: demand at completion time has nothing to do with the
// ride that was agreed.
func (e *Estimator) FinalizeFare(ctx context.Context, pickup, actualDrop models.Coord) float64 {
	info := e.route(ctx, pickup, actualDrop)
	return math.Round(e.Rates.Base + info.DistanceKm*e.Rates.PerKm + info.DurationMin*e.Rates.PerMin)
}

func (e *Estimator) route(ctx context.Context, origin, dest models.Coord) RouteInfo {
	if e.Routes != nil {
		if info, err := e.Routes.Estimate(ctx, origin, dest); err == nil {
			return info
		} else if e.Logger != nil {
			e.Logger.Debug("route provider unavailable, using haversine", "error", err)
		}
	}
	perKm := e.Rates.FallbackMinPerKm
	if perKm <= 0 {
		perKm = 3
	}
	d := geo.HaversineKm(origin.Lat, origin.Lng, dest.Lat, dest.Lng)
	return RouteInfo{DistanceKm: d, DurationMin: d * perKm}
}

func (e *Estimator) surge(ctx context.Context) float64 {
	if e.Demand == nil || e.Supply == nil {
		return 1.0
	}
	pending, err := e.Demand.CountPending(ctx)
	if err != nil {
		// Pricing must never stall dispatch; unknown demand means no surge.
		if e.Logger != nil {
			e.Logger.Warn("pending count unavailable, surge disabled", "error", err)
		}
		return 1.0
	}
	online := e.Supply.OnlineCount()
	if online < 1 {
		online = 1
	}
	ratio := float64(pending) / float64(online)
	switch {
	case ratio > 2:
		return 1.5
	case ratio > 1.2:
		return 1.2
	default:
		return 1.0
	}
}
