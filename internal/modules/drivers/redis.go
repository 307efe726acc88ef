// README: Driver directory backed by a Redis hash per driver and a GEO set of positions.
package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/types"
)

const (
	driverGeoKey       = "drivers:geo"
	driverStatusPrefix = "drivers:status:%s"
)

type RedisDirectory struct {
	redis *redis.Client
}

func NewRedisDirectory(redis *redis.Client) *RedisDirectory {
	return &RedisDirectory{redis: redis}
}

func (s *RedisDirectory) Upsert(ctx context.Context, d Driver) error {
	online := "0"
	if d.Online {
		online = "1"
	}
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, statusKey(d.ID), map[string]interface{}{
		"online":     online,
		"updated_at": d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if d.Position != nil {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(d.ID),
			Longitude: d.Position.Lng,
			Latitude:  d.Position.Lat,
		})
	} else {
		pipe.ZRem(ctx, driverGeoKey, string(d.ID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisDirectory) Get(ctx context.Context, id types.ID) (Driver, error) {
	fields, err := s.redis.HGetAll(ctx, statusKey(id)).Result()
	if err != nil {
		return Driver{}, err
	}
	if len(fields) == 0 {
		return Driver{}, ErrNotFound
	}

	d := Driver{ID: id, Online: fields["online"] == "1"}
	if ts := fields["updated_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.UpdatedAt = t
		}
	}

	pos, err := s.redis.GeoPos(ctx, driverGeoKey, string(id)).Result()
	if err != nil {
		return Driver{}, fmt.Errorf("geopos %s: %w", id, err)
	}
	if len(pos) == 1 && pos[0] != nil {
		d.Position = &types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return d, nil
}

func statusKey(id types.ID) string {
	return fmt.Sprintf(driverStatusPrefix, string(id))
}
