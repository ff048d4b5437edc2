package services

import (
	"testing"

	"simulcastctl/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityService_Identifier(t *testing.T) {
	qs := NewQualityService()

	id, err := qs.Identifier("High")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamIdentifier(3), id)

	_, err = qs.Identifier("ultra")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)

	assert.Equal(t, "medium", qs.Name(2))
	assert.Equal(t, "unknown", qs.Name(9))
}

func TestQualityService_LayerFor(t *testing.T) {
	qs := NewQualityService()
	spec := domain.Simulcast(domain.DefaultQPMax)

	assert.Equal(t, domain.StreamIdentifier(1), qs.LayerFor(spec, 50))
	assert.Equal(t, domain.StreamIdentifier(1), qs.LayerFor(spec, 300))
	assert.Equal(t, domain.StreamIdentifier(2), qs.LayerFor(spec, 800))
	assert.Equal(t, domain.StreamIdentifier(3), qs.LayerFor(spec, 2000))

	single := domain.Simulcast(domain.DefaultQPMax).Toggled()
	assert.Equal(t, domain.StreamIdentifier(1), qs.LayerFor(single, 10))
}

func TestQualityService_UpgradeDowngrade(t *testing.T) {
	qs := NewQualityService()
	spec := domain.Simulcast(domain.DefaultQPMax)

	assert.True(t, qs.ShouldDowngrade(spec, 3, 600))
	assert.False(t, qs.ShouldDowngrade(spec, 2, 600))
	// 1300 * 0.8 = 1040 leaves no headroom for the 1200 kbps layer
	assert.False(t, qs.ShouldUpgrade(spec, 2, 1300))
	assert.True(t, qs.ShouldUpgrade(spec, 2, 1600))
}
