package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo on Redis GEO commands so multiple API processes
// can share one presence view. Exclusion filtering happens client side:
// GEOSEARCH has no NOT-IN, and exclusion sets stay small (a handful of
// rejected drivers per booking).
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	meta := map[string]interface{}{}
	if d.PushToken != "" {
		meta["push_token"] = d.PushToken
	}
	if len(meta) > 0 {
		_ = r.client.HSet(r.ctx, metaKey(d.ID), meta).Err()
	}
}

func (r *RedisGeo) Remove(driverID string) {
	_ = r.client.ZRem(r.ctx, r.key, driverID).Err()
	_ = r.client.Del(r.ctx, metaKey(driverID)).Err()
}

func (r *RedisGeo) Lookup(driverID string) (models.Driver, bool) {
	pos, err := r.client.GeoPos(r.ctx, r.key, driverID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.Driver{}, false
	}
	d := models.Driver{ID: driverID, Loc: models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}}
	if m, err := r.client.HGetAll(r.ctx, metaKey(driverID)).Result(); err == nil {
		d.PushToken = m["push_token"]
	}
	return d, true
}

func (r *RedisGeo) OnlineCount() int {
	n, err := r.client.ZCard(r.ctx, r.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (r *RedisGeo) FindNearest(point models.Coord, exclude map[string]struct{}, maxRadiusKm float64) (models.Candidate, bool) {
	// Over-fetch a little so the excluded entries do not starve the search.
	count := len(exclude) + 5
	res, err := r.client.GeoSearchLocation(r.ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lng,
			Latitude:   point.Lat,
			Radius:     maxRadiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return models.Candidate{}, false
	}
	for _, g := range res {
		if _, skip := exclude[g.Name]; skip {
			continue
		}
		c := models.Candidate{DistanceKm: g.Dist}
		c.ID = g.Name
		c.Loc = models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			c.PushToken = m["push_token"]
		}
		return c, true
	}
	return models.Candidate{}, false
}

func metaKey(id string) string { return "driver:meta:" + id }
