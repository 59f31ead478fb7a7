package scope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/fleetglass/fleetglass/pkg/redis_client"
	"github.com/rs/zerolog/log"
)

const cacheKeyPrefix = "authscope:"

// Resolver yields the set of vehicles a principal may observe. The base rule
// is strict ownership; resolved scopes may be cached with a short expiry.
type Resolver struct {
	registry   OwnershipRegistry
	scopeCache *cache.Cache[string]
}

// NewResolver creates a Resolver. scopeCache may be nil, in which case every
// call goes straight to the registry.
func NewResolver(registry OwnershipRegistry, scopeCache *cache.Cache[string]) *Resolver {
	return &Resolver{
		registry:   registry,
		scopeCache: scopeCache,
	}
}

// CreateScopeCache builds the redis backed scope cache used by the servers.
func CreateScopeCache() *cache.Cache[string] {
	redisStore := redisstore.NewRedis(redis_client.Client, store.WithExpiration(2*time.Minute))

	return cache.New[string](redisStore)
}

func (r *Resolver) ScopeFor(ctx context.Context, principal string) ([]string, error) {
	if r.scopeCache != nil {
		cached, _ := r.scopeCache.Get(ctx, cacheKeyPrefix+principal)

		if cached != "" {
			var vehicleIDs []string
			if err := json.Unmarshal([]byte(cached), &vehicleIDs); err == nil {
				return vehicleIDs, nil
			}
		}
	}

	vehicleIDs, err := r.registry.VehiclesOwnedBy(ctx, principal)
	if err != nil {
		return nil, err
	}

	if r.scopeCache != nil {
		encoded, err := json.Marshal(vehicleIDs)
		if err == nil {
			if err := r.scopeCache.Set(ctx, cacheKeyPrefix+principal, string(encoded)); err != nil {
				log.Debug().Err(err).Str("principal", principal).Msg("Failed to cache scope")
			}
		}
	}

	return vehicleIDs, nil
}

// Invalidate evicts a principal's cached scope. Callers that change ownership
// must invalidate every affected principal and then refresh the hub.
func (r *Resolver) Invalidate(ctx context.Context, principal string) {
	if r.scopeCache == nil {
		return
	}

	if err := r.scopeCache.Delete(ctx, cacheKeyPrefix+principal); err != nil {
		log.Debug().Err(err).Str("principal", principal).Msg("Failed to evict cached scope")
	}
}
