package query

import (
	"context"

	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/scope"
	"github.com/fleetglass/fleetglass/pkg/store"
	"github.com/sourcegraph/conc/pool"
)

// Facade is the synchronous read path for polling observers that do not hold
// a push session. It reads the store directly, filtered by the caller's
// authorized scope, and makes no staleness promise beyond read-at-call-time.
type Facade struct {
	store    *store.Store
	resolver *scope.Resolver
}

func NewFacade(locationStore *store.Store, resolver *scope.Resolver) *Facade {
	return &Facade{
		store:    locationStore,
		resolver: resolver,
	}
}

func (f *Facade) Snapshot(ctx context.Context, principal string) (map[string]fleet.LocationRecord, error) {
	vehicleIDs, err := f.resolver.ScopeFor(ctx, principal)
	if err != nil {
		return nil, err
	}

	type vehicleRecord struct {
		vehicleID string
		record    fleet.LocationRecord
	}

	p := pool.NewWithResults[*vehicleRecord]()
	p.WithMaxGoroutines(8)

	for _, vehicleID := range vehicleIDs {
		p.Go(func() *vehicleRecord {
			record, ok := f.store.Get(ctx, vehicleID)
			if !ok {
				return nil
			}

			return &vehicleRecord{vehicleID: vehicleID, record: record}
		})
	}

	snapshot := map[string]fleet.LocationRecord{}

	for _, result := range p.Wait() {
		if result != nil {
			snapshot[result.vehicleID] = result.record
		}
	}

	return snapshot, nil
}
