package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Estimate queries OSRM /route between points and returns distance and
// duration. The short client timeout keeps the dispatch path from stalling
// when the router is down; callers fall back to haversine.
func (o *OSRMClient) Estimate(ctx context.Context, origin, dest models.Coord) (fare.RouteInfo, error) {
	// OSRM route query: /route/v1/driving/{lng1},{lat1};{lng2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, origin.Lng, origin.Lat, dest.Lng, dest.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fare.RouteInfo{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return fare.RouteInfo{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"` // meters
			Duration float64 `json:"duration"` // seconds
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fare.RouteInfo{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return fare.RouteInfo{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return fare.RouteInfo{
		DistanceKm:  out.Routes[0].Distance / 1000,
		DurationMin: out.Routes[0].Duration / 60,
	}, nil
}
