package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdhub/internal/geofence"
)

func TestOffsetDistance(t *testing.T) {
	lat, lon := offset(50.8243776, 3.2500602, 300, 400)
	d := geofence.Haversine(50.8243776, 3.2500602, lat, lon)
	assert.InDelta(t, 500, d, 2)
}

func TestWanderStaysNearCatalog(t *testing.T) {
	catalog, err := geofence.DefaultCatalog()
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		target, lat, lon := wander(rng, catalog.All(), 0)
		assert.True(t, target.Contains(lat, lon))
		res, err := catalog.Resolve(lat, lon)
		require.NoError(t, err)
		assert.True(t, res.InsideAnyRadius)
	}
}

func TestWanderStrayLeavesTargetRadius(t *testing.T) {
	catalog, err := geofence.DefaultCatalog()
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 100; i++ {
		target, lat, lon := wander(rng, catalog.All(), 1)
		assert.False(t, target.Contains(lat, lon))
	}
}

func TestNextActionRespectsProbabilities(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		assert.Equal(t, actionStay, nextAction(rng, 0, 0))
		assert.Equal(t, actionLeave, nextAction(rng, 0, 1))
		assert.Equal(t, actionMove, nextAction(rng, 1, 0))
	}
}
