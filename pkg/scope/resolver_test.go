package scope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeForStrictOwnership(t *testing.T) {
	ctx := context.Background()

	registry := NewMemoryRegistry()
	registry.AddVehicle("V1", "alice")
	registry.AddVehicle("V2", "alice")
	registry.AddVehicle("V3", "bob")

	resolver := NewResolver(registry, nil)

	aliceScope, err := resolver.ScopeFor(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"V1", "V2"}, aliceScope)

	bobScope, err := resolver.ScopeFor(ctx, "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"V3"}, bobScope)

	emptyScope, err := resolver.ScopeFor(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, emptyScope)
}

func TestScopeFollowsOwnershipChanges(t *testing.T) {
	ctx := context.Background()

	registry := NewMemoryRegistry()
	registry.AddVehicle("V1", "alice")

	resolver := NewResolver(registry, nil)

	registry.AddVehicle("V1", "bob")
	resolver.Invalidate(ctx, "alice")
	resolver.Invalidate(ctx, "bob")

	aliceScope, err := resolver.ScopeFor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, aliceScope)

	bobScope, err := resolver.ScopeFor(ctx, "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"V1"}, bobScope)
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()

	registry := NewMemoryRegistry()
	registry.AddVehicle("V1", "alice")

	owner, err := registry.OwnerOf(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = registry.OwnerOf(ctx, "V2")
	assert.ErrorIs(t, err, ErrVehicleNotFound)

	exists, err := registry.Exists(ctx, "V1")
	require.NoError(t, err)
	assert.True(t, exists)

	registry.RemoveVehicle("V1")

	exists, err = registry.Exists(ctx, "V1")
	require.NoError(t, err)
	assert.False(t, exists)
}
