package hub

import (
	"time"

	"github.com/fleetglass/fleetglass/pkg/fleet"
)

const (
	FrameTypePosition   = "position"
	FrameTypeRevoked    = "revoked"
	FrameTypeOverflowed = "overflowed"
)

// Frame is a single message pushed down an observer's live channel.
type Frame struct {
	Type      string    `json:"type"`
	VehicleID string    `json:"vehicleId,omitempty"`
	Position  *Position `json:"position,omitempty"`

	// Overflowed tells the observer its queue overflowed and it should
	// request a fresh snapshot.
	Overflowed bool `json:"overflowed,omitempty"`
}

type Position struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Revision  uint64    `json:"revision"`
}

func PositionFrame(record fleet.LocationRecord) Frame {
	return Frame{
		Type:      FrameTypePosition,
		VehicleID: record.VehicleID,
		Position: &Position{
			Latitude:  record.Latitude,
			Longitude: record.Longitude,
			Timestamp: record.Timestamp,
			Revision:  record.Revision,
		},
	}
}

func RevokedFrame(vehicleID string) Frame {
	return Frame{
		Type:      FrameTypeRevoked,
		VehicleID: vehicleID,
	}
}

func OverflowedFrame() Frame {
	return Frame{
		Type:       FrameTypeOverflowed,
		Overflowed: true,
	}
}
