package services

import (
	"fmt"
	"strings"

	"simulcastctl/internal/core/domain"
)

// QualityService maps operator-facing quality names onto simulcast layers.
type QualityService struct {
	levels map[string]domain.StreamIdentifier
}

func NewQualityService() *QualityService {
	return &QualityService{
		levels: map[string]domain.StreamIdentifier{
			"low":    1,
			"medium": 2,
			"high":   3,
		},
	}
}

// Identifier resolves a quality name ("low", "medium", "high") to its stream identifier.
func (qs *QualityService) Identifier(quality string) (domain.StreamIdentifier, error) {
	id, ok := qs.levels[strings.ToLower(strings.TrimSpace(quality))]
	if !ok {
		return 0, fmt.Errorf("unknown quality %q: %w", quality, domain.ErrInvalidIdentifier)
	}
	return id, nil
}

// Name is the inverse of Identifier; unknown identifiers map to "unknown".
func (qs *QualityService) Name(id domain.StreamIdentifier) string {
	for name, v := range qs.levels {
		if v == id {
			return name
		}
	}
	return "unknown"
}

// LayerFor picks the highest layer of spec whose ceiling fits availableKbps. Uncapped layers
// always fit. The lowest layer is returned when nothing fits.
func (qs *QualityService) LayerFor(spec domain.StreamSpec, availableKbps int) domain.StreamIdentifier {
	k := spec.ActiveLayerCount()
	best := domain.StreamIdentifier(1)
	for i := 0; i < k && i < len(spec.Layers); i++ {
		ceiling := spec.Layers[i].MaxBitrateKbps
		if ceiling == 0 || ceiling <= availableKbps {
			best = domain.StreamIdentifier(i + 1)
		}
	}
	return best
}

// ShouldDowngrade reports whether the layer currently relayed no longer fits availableKbps.
func (qs *QualityService) ShouldDowngrade(spec domain.StreamSpec, current domain.StreamIdentifier, availableKbps int) bool {
	return qs.LayerFor(spec, availableKbps) < current
}

// ShouldUpgrade reports whether a higher layer would fit with 20% headroom.
func (qs *QualityService) ShouldUpgrade(spec domain.StreamSpec, current domain.StreamIdentifier, availableKbps int) bool {
	return qs.LayerFor(spec, availableKbps*4/5) > current
}
