package store

import (
	"context"
	"errors"
	"sync"

	"github.com/fleetglass/fleetglass/pkg/database"
	"github.com/fleetglass/fleetglass/pkg/fleet"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Persistence is the narrow durable layer underneath the Store. One entry per
// vehicle; Load returns nil without error when no record exists.
type Persistence interface {
	Load(ctx context.Context, vehicleID string) (*fleet.LocationRecord, error)
	Save(ctx context.Context, record fleet.LocationRecord) error
	Delete(ctx context.Context, vehicleID string) error
}

// MongoPersistence keeps location records in the vehicle_locations
// collection, one document per vehicle keyed on vehicleid.
type MongoPersistence struct{}

func NewMongoPersistence() *MongoPersistence {
	return &MongoPersistence{}
}

func (p *MongoPersistence) Load(ctx context.Context, vehicleID string) (*fleet.LocationRecord, error) {
	locationsCollection := database.GetCollection("vehicle_locations")

	var record *fleet.LocationRecord
	err := locationsCollection.FindOne(ctx, bson.M{"vehicleid": vehicleID}).Decode(&record)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (p *MongoPersistence) Save(ctx context.Context, record fleet.LocationRecord) error {
	locationsCollection := database.GetCollection("vehicle_locations")

	filter := bson.M{"vehicleid": record.VehicleID}
	update := bson.M{"$set": record}
	opts := options.Update().SetUpsert(true)

	_, err := locationsCollection.UpdateOne(ctx, filter, update, opts)

	return err
}

func (p *MongoPersistence) Delete(ctx context.Context, vehicleID string) error {
	locationsCollection := database.GetCollection("vehicle_locations")

	_, err := locationsCollection.DeleteOne(ctx, bson.M{"vehicleid": vehicleID})

	return err
}

// MemoryPersistence is a map-backed Persistence for tests and single-node
// development runs.
type MemoryPersistence struct {
	mutex   sync.RWMutex
	records map[string]fleet.LocationRecord
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{records: map[string]fleet.LocationRecord{}}
}

func (p *MemoryPersistence) Load(ctx context.Context, vehicleID string) (*fleet.LocationRecord, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	record, ok := p.records[vehicleID]
	if !ok {
		return nil, nil
	}

	return &record, nil
}

func (p *MemoryPersistence) Save(ctx context.Context, record fleet.LocationRecord) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.records[record.VehicleID] = record

	return nil
}

func (p *MemoryPersistence) Delete(ctx context.Context, vehicleID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.records, vehicleID)

	return nil
}
