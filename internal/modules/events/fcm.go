package events

import (
	"context"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"
)

type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMPublisher pushes new and withdrawn rides to a topic the driver app subscribes to.
type FCMPublisher struct {
	client fcmSender
	topic  string
}

func NewFCMPublisher(client *messaging.Client, topic string) *FCMPublisher {
	return &FCMPublisher{client: client, topic: topic}
}

func (f *FCMPublisher) Publish(ctx context.Context, e Event) error {
	msg := &messaging.Message{
		Topic: f.topic,
		Data: map[string]string{
			"type":        string(e.Type),
			"ride_id":     string(e.RideID),
			"state":       e.State,
			"origin_lat":  strconv.FormatFloat(e.Origin.Lat, 'f', 6, 64),
			"origin_lng":  strconv.FormatFloat(e.Origin.Lng, 'f', 6, 64),
			"destination": e.DestinationLabel,
			"distance_km": strconv.FormatFloat(e.DistanceKm, 'f', 2, 64),
			"price":       strconv.FormatFloat(e.Price, 'f', 2, 64),
			"currency":    e.Currency,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if e.Type == RideOpened {
		msg.Notification = &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("%.1f km to %s, fare %s %.2f", e.DistanceKm, e.DestinationLabel, e.Currency, e.Price),
		}
	}
	if _, err := f.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM to topic %s: %w", f.topic, err)
	}
	return nil
}
