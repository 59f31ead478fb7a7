package routes

import (
	"github.com/adjust/rmq/v5"
	"github.com/fleetglass/fleetglass/pkg/hub"
	"github.com/fleetglass/fleetglass/pkg/ingest"
	"github.com/fleetglass/fleetglass/pkg/query"
	"github.com/fleetglass/fleetglass/pkg/scope"
	"github.com/fleetglass/fleetglass/pkg/store"
)

// Deps carries the per-instance components the route handlers operate on.
type Deps struct {
	Store    *store.Store
	Hub      *hub.Hub
	Pipeline *ingest.Pipeline
	Facade   *query.Facade
	Resolver *scope.Resolver
	Registry scope.OwnershipRegistry

	ReportQueue rmq.Queue
}
