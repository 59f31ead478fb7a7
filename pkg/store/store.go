package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/fleetglass/fleetglass/pkg/fleet"
)

var (
	ErrStaleTimestamp     = errors.New("report timestamp is not newer than the stored record")
	ErrInvalidCoordinates = errors.New("report coordinates are out of bounds")
	ErrUnknownVehicle     = errors.New("vehicle is not registered")
)

// VehicleRegistry answers whether a vehicle identity exists.
type VehicleRegistry interface {
	Exists(ctx context.Context, vehicleID string) (bool, error)
}

const keyLockCount = 64

// Store holds the current LocationRecord for every live vehicle.
//
// Upserts for the same vehicle serialise on a striped key lock so revision
// increments are never lost; upserts for different vehicles do not contend.
// Records are written through to the Persistence layer before the resulting
// ChangeEvent is returned, and are always handed out by value so a reader can
// never observe a torn write.
type Store struct {
	registry    VehicleRegistry
	persistence Persistence

	recordsMutex sync.RWMutex
	records      map[string]fleet.LocationRecord

	keyLocks [keyLockCount]sync.Mutex
}

func NewStore(registry VehicleRegistry, persistence Persistence) *Store {
	return &Store{
		registry:    registry,
		persistence: persistence,
		records:     map[string]fleet.LocationRecord{},
	}
}

func (s *Store) keyLock(vehicleID string) *sync.Mutex {
	hasher := fnv.New32a()
	hasher.Write([]byte(vehicleID))

	return &s.keyLocks[hasher.Sum32()%keyLockCount]
}

// Upsert applies a position report and returns the resulting ChangeEvent.
// Reports with a timestamp not strictly after the stored record are rejected
// with ErrStaleTimestamp regardless of their content.
func (s *Store) Upsert(ctx context.Context, vehicleID string, report fleet.LocationReport) (fleet.ChangeEvent, error) {
	if !fleet.ValidCoordinates(report.Latitude, report.Longitude) {
		return fleet.ChangeEvent{}, ErrInvalidCoordinates
	}

	lock := s.keyLock(vehicleID)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.registry.Exists(ctx, vehicleID)
	if err != nil {
		return fleet.ChangeEvent{}, fmt.Errorf("checking vehicle registry: %w", err)
	}
	if !exists {
		return fleet.ChangeEvent{}, ErrUnknownVehicle
	}

	current, err := s.currentRecord(ctx, vehicleID)
	if err != nil {
		return fleet.ChangeEvent{}, err
	}

	revision := uint64(1)
	if current != nil {
		if !report.Timestamp.After(current.Timestamp) {
			return fleet.ChangeEvent{}, ErrStaleTimestamp
		}

		revision = current.Revision + 1
	}

	record := fleet.LocationRecord{
		VehicleID: vehicleID,
		Latitude:  report.Latitude,
		Longitude: report.Longitude,
		Timestamp: report.Timestamp,
		Revision:  revision,
	}

	if err := s.persistence.Save(ctx, record); err != nil {
		return fleet.ChangeEvent{}, fmt.Errorf("persisting location record: %w", err)
	}

	s.recordsMutex.Lock()
	s.records[vehicleID] = record
	s.recordsMutex.Unlock()

	return fleet.ChangeEvent{VehicleID: vehicleID, Record: record}, nil
}

// currentRecord must be called with the vehicle's key lock held.
func (s *Store) currentRecord(ctx context.Context, vehicleID string) (*fleet.LocationRecord, error) {
	s.recordsMutex.RLock()
	record, ok := s.records[vehicleID]
	s.recordsMutex.RUnlock()

	if ok {
		return &record, nil
	}

	loaded, err := s.persistence.Load(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("loading location record: %w", err)
	}

	if loaded != nil {
		s.recordsMutex.Lock()
		s.records[vehicleID] = *loaded
		s.recordsMutex.Unlock()
	}

	return loaded, nil
}

func (s *Store) Get(ctx context.Context, vehicleID string) (fleet.LocationRecord, bool) {
	s.recordsMutex.RLock()
	record, ok := s.records[vehicleID]
	s.recordsMutex.RUnlock()

	if ok {
		return record, true
	}

	lock := s.keyLock(vehicleID)
	lock.Lock()
	defer lock.Unlock()

	loaded, err := s.currentRecord(ctx, vehicleID)
	if err != nil || loaded == nil {
		return fleet.LocationRecord{}, false
	}

	return *loaded, true
}

// Remove purges the vehicle's location record, for example when the vehicle
// itself is deleted by its owner.
func (s *Store) Remove(ctx context.Context, vehicleID string) error {
	lock := s.keyLock(vehicleID)
	lock.Lock()
	defer lock.Unlock()

	s.recordsMutex.Lock()
	delete(s.records, vehicleID)
	s.recordsMutex.Unlock()

	return s.persistence.Delete(ctx, vehicleID)
}

// Snapshot reads the current record for each of the given vehicles. Vehicles
// without a record yet are simply absent from the result.
func (s *Store) Snapshot(ctx context.Context, vehicleIDs []string) map[string]fleet.LocationRecord {
	snapshot := map[string]fleet.LocationRecord{}

	for _, vehicleID := range vehicleIDs {
		if record, ok := s.Get(ctx, vehicleID); ok {
			snapshot[vehicleID] = record
		}
	}

	return snapshot
}
