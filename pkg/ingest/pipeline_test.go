package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/scope"
	"github.com/fleetglass/fleetglass/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	events []fleet.ChangeEvent
}

func (p *fakePublisher) Publish(event fleet.ChangeEvent) {
	p.events = append(p.events, event)
}

func newTestPipeline(delegation DelegationChecker) (*Pipeline, *fakePublisher, *scope.MemoryRegistry) {
	registry := scope.NewMemoryRegistry()
	registry.AddVehicle("V1", "alice")

	publisher := &fakePublisher{}
	locationStore := store.NewStore(registry, store.NewMemoryPersistence())

	return NewPipeline(locationStore, publisher, registry, delegation), publisher, registry
}

func validReport(seconds int64) fleet.LocationReport {
	return fleet.LocationReport{
		Latitude:  51.5,
		Longitude: -0.12,
		Timestamp: time.Unix(seconds, 0),
	}
}

func TestIngestAcceptsOwnerReport(t *testing.T) {
	pipeline, publisher, _ := newTestPipeline(nil)

	err := pipeline.Ingest(context.Background(), "V1", "alice", validReport(100))
	require.NoError(t, err)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "V1", publisher.events[0].VehicleID)
	assert.Equal(t, uint64(1), publisher.events[0].Record.Revision)
}

func TestIngestRejectsUnknownVehicle(t *testing.T) {
	pipeline, publisher, _ := newTestPipeline(nil)

	err := pipeline.Ingest(context.Background(), "V9", "alice", validReport(100))
	assert.ErrorIs(t, err, store.ErrUnknownVehicle)
	assert.Empty(t, publisher.events)
}

func TestIngestRejectsNonOwner(t *testing.T) {
	pipeline, publisher, _ := newTestPipeline(nil)

	err := pipeline.Ingest(context.Background(), "V1", "mallory", validReport(100))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, publisher.events)
}

func TestIngestAllowsDelegatedPrincipal(t *testing.T) {
	delegation := func(ctx context.Context, vehicleID string, principal string) bool {
		return vehicleID == "V1" && principal == "carol"
	}

	pipeline, publisher, _ := newTestPipeline(delegation)

	err := pipeline.Ingest(context.Background(), "V1", "carol", validReport(100))
	require.NoError(t, err)
	assert.Len(t, publisher.events, 1)

	err = pipeline.Ingest(context.Background(), "V1", "mallory", validReport(200))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIngestRejectsMalformedReport(t *testing.T) {
	pipeline, publisher, _ := newTestPipeline(nil)

	report := fleet.LocationReport{
		Latitude:  123.4,
		Longitude: 0,
		Timestamp: time.Unix(100, 0),
	}

	err := pipeline.Ingest(context.Background(), "V1", "alice", report)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, publisher.events)

	err = pipeline.Ingest(context.Background(), "V1", "alice", fleet.LocationReport{Latitude: 1, Longitude: 2})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestIngestReturnsStaleWithoutPublishing(t *testing.T) {
	pipeline, publisher, _ := newTestPipeline(nil)

	require.NoError(t, pipeline.Ingest(context.Background(), "V1", "alice", validReport(100)))

	err := pipeline.Ingest(context.Background(), "V1", "alice", validReport(90))
	assert.ErrorIs(t, err, store.ErrStaleTimestamp)
	assert.Len(t, publisher.events, 1)
}
