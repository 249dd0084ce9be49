package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/jonboulle/clockwork"
	"google.golang.org/protobuf/proto"

	"fleet-console/internal/fleet"
)

// GtfsRtSource reads fleet snapshots from a GTFS-realtime VehiclePositions
// feed. GTFS-rt carries no fleet status, so descriptors leave Status empty.
type GtfsRtSource struct {
	url        string
	httpClient *http.Client
	clock      clockwork.Clock
}

func NewGtfsRtSource(url string, timeout time.Duration, clk clockwork.Clock) *GtfsRtSource {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &GtfsRtSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		clock:      clk,
	}
}

func (s *GtfsRtSource) Fleet(ctx context.Context) (fleet.Snapshot, error) {
	takenAt := s.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fleet.Snapshot{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fleet.Snapshot{}, fmt.Errorf("gtfs-rt fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fleet.Snapshot{}, fmt.Errorf("%w: gtfs-rt: %d", ErrStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fleet.Snapshot{}, err
	}
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(body, &feed); err != nil {
		return fleet.Snapshot{}, fmt.Errorf("gtfs-rt decode: %w", err)
	}
	return fleet.Snapshot{Vehicles: DescriptorsFromFeed(&feed), TakenAt: takenAt}, nil
}

// DescriptorsFromFeed extracts one descriptor per vehicle entity that has
// an id. Entities with a position outside WGS84 keep their id only.
func DescriptorsFromFeed(feed *gtfs.FeedMessage) []fleet.VehicleDescriptor {
	out := make([]fleet.VehicleDescriptor, 0, len(feed.GetEntity()))
	for _, ent := range feed.GetEntity() {
		vp := ent.GetVehicle()
		if vp == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			continue
		}
		d := fleet.VehicleDescriptor{ID: id, Name: vp.GetVehicle().GetLabel()}
		if p := vp.GetPosition(); p != nil && p.Latitude != nil && p.Longitude != nil {
			pos := fleet.Position{Lat: float64(p.GetLatitude()), Lon: float64(p.GetLongitude())}
			if pos.Valid() {
				d.Position = &pos
			}
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			d.At = time.Unix(int64(ts), 0).UTC()
		}
		out = append(out, d)
	}
	return out
}
