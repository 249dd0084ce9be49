package view

import (
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"fleet-console/internal/fleet"
)

// FeedMessage encodes the positioned vehicles of view as a GTFS-realtime
// VehiclePositions full dataset. Stale vehicles are left out.
func FeedMessage(view fleet.View, now time.Time) *gtfs.FeedMessage {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, v := range view.Vehicles {
		if !v.HasFix || v.Stale {
			continue
		}
		vp := &gtfs.VehiclePosition{
			Vehicle: &gtfs.VehicleDescriptor{Id: proto.String(v.ID)},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(v.Position.Lat)),
				Longitude: proto.Float32(float32(v.Position.Lon)),
			},
		}
		if v.Name != "" {
			vp.Vehicle.Label = proto.String(v.Name)
		}
		if !v.LastUpdated.IsZero() {
			vp.Timestamp = proto.Uint64(uint64(v.LastUpdated.Unix()))
		}
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{Id: proto.String(v.ID), Vehicle: vp})
	}
	return feed
}
