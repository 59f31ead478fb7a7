package fleet

// ChangeEvent is emitted by the location store for every accepted report.
// Events are transient; they are handed from the store to its caller and
// onwards to the broadcast hub, never persisted.
type ChangeEvent struct {
	VehicleID string
	Record    LocationRecord
}
