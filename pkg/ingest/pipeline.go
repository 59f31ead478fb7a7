package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/scope"
	"github.com/fleetglass/fleetglass/pkg/store"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnauthorized = errors.New("principal may not report for this vehicle")
	ErrMalformed    = errors.New("report is malformed")
)

// Publisher receives the ChangeEvent for every accepted report. Implemented
// by the broadcast hub.
type Publisher interface {
	Publish(event fleet.ChangeEvent)
}

// DelegationChecker reports whether a non-owner principal has been delegated
// reporting rights for a vehicle. The delegation mechanism itself is an
// external collaborator; the default checker denies everything.
type DelegationChecker func(ctx context.Context, vehicleID string, principal string) bool

// Pipeline validates incoming position reports, applies them to the store and
// forwards the resulting ChangeEvent to the publisher. Every error is
// terminal for that single report; the pipeline never retries.
type Pipeline struct {
	store      *store.Store
	publisher  Publisher
	registry   scope.OwnershipRegistry
	delegation DelegationChecker

	validate *validator.Validate
}

func NewPipeline(locationStore *store.Store, publisher Publisher, registry scope.OwnershipRegistry, delegation DelegationChecker) *Pipeline {
	return &Pipeline{
		store:      locationStore,
		publisher:  publisher,
		registry:   registry,
		delegation: delegation,

		validate: validator.New(),
	}
}

func (p *Pipeline) Ingest(ctx context.Context, vehicleID string, principal string, report fleet.LocationReport) error {
	owner, err := p.registry.OwnerOf(ctx, vehicleID)
	if errors.Is(err, scope.ErrVehicleNotFound) {
		return store.ErrUnknownVehicle
	}
	if err != nil {
		return fmt.Errorf("resolving vehicle owner: %w", err)
	}

	if owner != principal {
		if p.delegation == nil || !p.delegation(ctx, vehicleID, principal) {
			return ErrUnauthorized
		}
	}

	if err := p.validate.Struct(report); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	event, err := p.store.Upsert(ctx, vehicleID, report)
	if errors.Is(err, store.ErrStaleTimestamp) {
		// A newer record already supersedes this report, so the drop is
		// harmless. Reported to the caller, never escalated.
		log.Debug().
			Str("vehicle", vehicleID).
			Time("timestamp", report.Timestamp).
			Msg("Dropping stale position report")

		return err
	}
	if err != nil {
		return err
	}

	p.publisher.Publish(event)

	return nil
}
