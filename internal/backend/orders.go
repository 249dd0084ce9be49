package backend

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fleet-console/internal/fleet"
)

// ErrInvalidOrder marks operator input that fails validation.
var ErrInvalidOrder = errors.New("invalid order")

// ErrInvalidSettings marks settings that fail validation.
var ErrInvalidSettings = errors.New("invalid settings")

// Order is a pick-up/drop-off request.
type Order struct {
	ID      string         `json:"id"`
	From    fleet.Position `json:"from"`
	To      fleet.Position `json:"to"`
	Weight  float64        `json:"weight"`
	DroneID string         `json:"drone_id,omitempty"`
}

// MaxPayloadKg is the heaviest parcel the fleet carries.
const MaxPayloadKg = 25.0

// NewOrder returns an order with a fresh id.
func NewOrder(from, to fleet.Position, weight float64, droneID string) Order {
	return Order{
		ID:      "order_" + uuid.NewString(),
		From:    from,
		To:      to,
		Weight:  weight,
		DroneID: droneID,
	}
}

// Validate checks the order before it leaves the console.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	}
	if !o.From.Valid() || (o.From == fleet.Position{}) {
		return fmt.Errorf("%w: pick-up %s", ErrInvalidOrder, o.From)
	}
	if !o.To.Valid() || (o.To == fleet.Position{}) {
		return fmt.Errorf("%w: drop-off %s", ErrInvalidOrder, o.To)
	}
	if o.From == o.To {
		return fmt.Errorf("%w: pick-up and drop-off are the same point", ErrInvalidOrder)
	}
	if o.Weight <= 0 || o.Weight > MaxPayloadKg {
		return fmt.Errorf("%w: weight %.2f kg outside (0, %.0f]", ErrInvalidOrder, o.Weight, MaxPayloadKg)
	}
	return nil
}

// OrderReceipt is the backend's answer to an order.
type OrderReceipt struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	Error   string `json:"error,omitempty"`
}

// Settings are the simulator settings the backend persists.
type Settings struct {
	Base            fleet.Position `json:"base"`
	DroneCount      int            `json:"drone_count"`
	MavsdkPortStart int            `json:"mavsdk_port_start,omitempty"`
}

// Validate checks settings before they are posted.
func (s Settings) Validate() error {
	if !s.Base.Valid() || (s.Base == fleet.Position{}) {
		return fmt.Errorf("%w: base %s", ErrInvalidSettings, s.Base)
	}
	if s.DroneCount < 1 {
		return fmt.Errorf("%w: drone_count %d", ErrInvalidSettings, s.DroneCount)
	}
	if s.MavsdkPortStart != 0 && (s.MavsdkPortStart < 1024 || s.MavsdkPortStart+s.DroneCount > 65535) {
		return fmt.Errorf("%w: mavsdk_port_start %d", ErrInvalidSettings, s.MavsdkPortStart)
	}
	return nil
}
