// README: Driver directory backed by Firebase Realtime Database, where driver apps publish presence.
package drivers

import (
	"context"
	"fmt"
	"time"

	"firebase.google.com/go/v4/db"

	"ridedispatch/internal/types"
)

const driverLocationsPath = "driver_locations"

const (
	rtdbStatusOnline  = "online"
	rtdbStatusOffline = "offline"
)

// rtdbNode is the slice of *db.Ref the directory needs.
type rtdbNode interface {
	Get(ctx context.Context, v interface{}) error
	Set(ctx context.Context, v interface{}) error
}

// rtdbDriverEntry is one driver under /driver_locations/{id}.
type rtdbDriverEntry struct {
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
	Status    string   `json:"status"`
	Timestamp int64    `json:"timestamp"`
}

type FirebaseDirectory struct {
	node func(path string) rtdbNode
}

func NewFirebaseDirectory(client *db.Client) *FirebaseDirectory {
	return &FirebaseDirectory{node: func(path string) rtdbNode { return client.NewRef(path) }}
}

func driverPath(id types.ID) string {
	return fmt.Sprintf("%s/%s", driverLocationsPath, id)
}

func (f *FirebaseDirectory) Upsert(ctx context.Context, d Driver) error {
	entry := rtdbDriverEntry{Status: rtdbStatusOffline, Timestamp: d.UpdatedAt.UnixMilli()}
	if d.Online {
		entry.Status = rtdbStatusOnline
	}
	if d.Position != nil {
		lat, lng := d.Position.Lat, d.Position.Lng
		entry.Lat, entry.Lng = &lat, &lng
	}
	if err := f.node(driverPath(d.ID)).Set(ctx, entry); err != nil {
		return fmt.Errorf("write driver %s: %w", d.ID, err)
	}
	return nil
}

func (f *FirebaseDirectory) Get(ctx context.Context, id types.ID) (Driver, error) {
	var entry *rtdbDriverEntry
	if err := f.node(driverPath(id)).Get(ctx, &entry); err != nil {
		return Driver{}, fmt.Errorf("read driver %s: %w", id, err)
	}
	if entry == nil {
		return Driver{}, ErrNotFound
	}

	d := Driver{
		ID:        id,
		Online:    entry.Status == rtdbStatusOnline,
		UpdatedAt: time.UnixMilli(entry.Timestamp).UTC(),
	}
	if entry.Lat != nil && entry.Lng != nil {
		d.Position = &types.Point{Lat: *entry.Lat, Lng: *entry.Lng}
	}
	return d, nil
}
