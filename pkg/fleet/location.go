package fleet

import "time"

// LocationRecord is the single current position held for a vehicle.
// It is replaced wholesale on every accepted report, never appended to.
type LocationRecord struct {
	VehicleID string `groups:"basic"`

	Latitude  float64 `groups:"basic"`
	Longitude float64 `groups:"basic"`

	Timestamp time.Time `groups:"basic"`
	Revision  uint64    `groups:"basic"`
}

func ValidCoordinates(latitude float64, longitude float64) bool {
	if latitude < -90 || latitude > 90 {
		return false
	}
	if longitude < -180 || longitude > 180 {
		return false
	}

	return true
}
