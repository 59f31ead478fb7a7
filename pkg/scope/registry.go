package scope

import (
	"context"
	"errors"
	"sync"

	"github.com/fleetglass/fleetglass/pkg/database"
	"github.com/fleetglass/fleetglass/pkg/fleet"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var ErrVehicleNotFound = errors.New("vehicle not found")

// OwnershipRegistry exposes the vehicle ownership data the resolver derives
// observer scopes from.
type OwnershipRegistry interface {
	OwnerOf(ctx context.Context, vehicleID string) (string, error)
	VehiclesOwnedBy(ctx context.Context, principal string) ([]string, error)
	Exists(ctx context.Context, vehicleID string) (bool, error)
}

// MongoRegistry reads ownership from the vehicles collection.
type MongoRegistry struct{}

func NewMongoRegistry() *MongoRegistry {
	return &MongoRegistry{}
}

func (r *MongoRegistry) OwnerOf(ctx context.Context, vehicleID string) (string, error) {
	vehiclesCollection := database.GetCollection("vehicles")

	var vehicle *fleet.Vehicle
	err := vehiclesCollection.FindOne(ctx, bson.M{"primaryidentifier": vehicleID}).Decode(&vehicle)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrVehicleNotFound
	}
	if err != nil {
		return "", err
	}

	return vehicle.Owner, nil
}

func (r *MongoRegistry) VehiclesOwnedBy(ctx context.Context, principal string) ([]string, error) {
	vehiclesCollection := database.GetCollection("vehicles")

	cursor, err := vehiclesCollection.Find(ctx, bson.M{"owner": principal})
	if err != nil {
		return nil, err
	}

	var vehicleIDs []string

	for cursor.Next(ctx) {
		var vehicle *fleet.Vehicle
		if err := cursor.Decode(&vehicle); err != nil {
			return nil, err
		}

		vehicleIDs = append(vehicleIDs, vehicle.PrimaryIdentifier)
	}

	return vehicleIDs, cursor.Err()
}

func (r *MongoRegistry) Exists(ctx context.Context, vehicleID string) (bool, error) {
	_, err := r.OwnerOf(ctx, vehicleID)

	if errors.Is(err, ErrVehicleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// MemoryRegistry is a map-backed OwnershipRegistry for tests.
type MemoryRegistry struct {
	mutex  sync.RWMutex
	owners map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owners: map[string]string{}}
}

func (r *MemoryRegistry) AddVehicle(vehicleID string, principal string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.owners[vehicleID] = principal
}

func (r *MemoryRegistry) RemoveVehicle(vehicleID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.owners, vehicleID)
}

func (r *MemoryRegistry) OwnerOf(ctx context.Context, vehicleID string) (string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	owner, ok := r.owners[vehicleID]
	if !ok {
		return "", ErrVehicleNotFound
	}

	return owner, nil
}

func (r *MemoryRegistry) VehiclesOwnedBy(ctx context.Context, principal string) ([]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var vehicleIDs []string

	for vehicleID, owner := range r.owners {
		if owner == principal {
			vehicleIDs = append(vehicleIDs, vehicleID)
		}
	}

	return vehicleIDs, nil
}

func (r *MemoryRegistry) Exists(ctx context.Context, vehicleID string) (bool, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, ok := r.owners[vehicleID]

	return ok, nil
}
