package query

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

func TestSnapshotIsFilteredByScope(t *testing.T) {
	registry := scope.NewMemoryRegistry()
	registry.AddVehicle("V1", "alice")
	registry.AddVehicle("V2", "alice")
	registry.AddVehicle("V3", "bob")

	locationStore := store.NewStore(registry, store.NewMemoryPersistence())

	report := func(seconds int64) fleet.LocationReport {
		return fleet.LocationReport{Latitude: 1, Longitude: 2, Timestamp: time.Unix(seconds, 0)}
	}

	_, err := locationStore.Upsert(context.Background(), "V1", report(100))
	require.NoError(t, err)
	_, err = locationStore.Upsert(context.Background(), "V3", report(100))
	require.NoError(t, err)

	facade := NewFacade(locationStore, scope.NewResolver(registry, nil))

	snapshot, err := facade.Snapshot(context.Background(), "alice")
	require.NoError(t, err)

	// V2 has no location yet and V3 belongs to another principal.
	require.Len(t, snapshot, 1)
	assert.Equal(t, uint64(1), snapshot["V1"].Revision)

	snapshot, err = facade.Snapshot(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Contains(t, snapshot, "V3")
}

func TestSnapshotForUnknownPrincipalIsEmpty(t *testing.T) {
	registry := scope.NewMemoryRegistry()
	locationStore := store.NewStore(registry, store.NewMemoryPersistence())
	facade := NewFacade(locationStore, scope.NewResolver(registry, nil))

	snapshot, err := facade.Snapshot(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}
