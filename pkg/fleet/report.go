package fleet

import "time"

// LocationReport is a raw position report from a reporting device.
type LocationReport struct {
	Latitude  float64   `json:"lat" validate:"latitude"`
	Longitude float64   `json:"lon" validate:"longitude"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}
