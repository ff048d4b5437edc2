package domain

import (
	"fmt"

	"simulcastctl/pkg/validation"
)

const (
	// MaxStreams is the fixed number of simulcast layers a call can ever carry.
	MaxStreams = 3

	BaseWidth  = 1200
	BaseHeight = 800

	SimulcastWidth  = 1280
	SimulcastHeight = 720

	DefaultQPMax = 56
)

// Layer is one simulcast variant of the outgoing video.
type Layer struct {
	Index          int `json:"index" yaml:"index"`
	Width          int `json:"width" yaml:"width"`
	Height         int `json:"height" yaml:"height"`
	TemporalLayers int `json:"temporal_layers" yaml:"temporal_layers"`   // 0 = no temporal scalability
	MaxBitrateKbps int `json:"max_bitrate_kbps" yaml:"max_bitrate_kbps"` // 0 = left to congestion control
	QPMax          int `json:"qp_max" yaml:"qp_max"`
}

// StreamSpec is the layer layout applied to the send codec.
type StreamSpec struct {
	Layers           []Layer `json:"layers"`
	SimulcastEnabled bool    `json:"simulcast_enabled"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	StartBitrateKbps int     `json:"start_bitrate_kbps,omitempty"`
	QPMax            int     `json:"qp_max"`
}

var simulcastLayout = [MaxStreams]struct {
	width, height, maxBitrate int
}{
	{320, 180, 100},
	{640, 360, 500},
	{1280, 720, 1200},
}

// SingleStream returns a one-layer spec at the base resolution with an unconstrained bitrate.
func SingleStream(qpMax int) StreamSpec {
	return StreamSpec{
		Layers: []Layer{{
			Index:  0,
			Width:  BaseWidth,
			Height: BaseHeight,
			QPMax:  qpMax,
		}},
		SimulcastEnabled: false,
		Width:            BaseWidth,
		Height:           BaseHeight,
		QPMax:            qpMax,
	}
}

// Simulcast returns the fixed three-layer layout, each layer inheriting qpMax.
func Simulcast(qpMax int) StreamSpec {
	layers := make([]Layer, 0, MaxStreams)
	for i, l := range simulcastLayout {
		layers = append(layers, Layer{
			Index:          i,
			Width:          l.width,
			Height:         l.height,
			TemporalLayers: 0,
			MaxBitrateKbps: l.maxBitrate,
			QPMax:          qpMax,
		})
	}
	return StreamSpec{
		Layers:           layers,
		SimulcastEnabled: true,
		Width:            SimulcastWidth,
		Height:           SimulcastHeight,
		QPMax:            qpMax,
	}
}

// SingleStreamAtSimulcastResolution keeps the three-layer codec bookkeeping of Simulcast
// but clears every bitrate ceiling and forces the nominal resolution back to the base one.
// Only one identifier is issued for it.
func SingleStreamAtSimulcastResolution(qpMax int) StreamSpec {
	spec := Simulcast(qpMax)
	spec.SimulcastEnabled = false
	spec.Width = BaseWidth
	spec.Height = BaseHeight
	for i := range spec.Layers {
		spec.Layers[i].MaxBitrateKbps = 0
	}
	return spec
}

// ActiveLayerCount is the number of stream identifiers issued for the spec.
func (s StreamSpec) ActiveLayerCount() int {
	if !s.SimulcastEnabled {
		return 1
	}
	return len(s.Layers)
}

// Toggled returns the spec produced by switching between simulcast and single stream.
func (s StreamSpec) Toggled() StreamSpec {
	var next StreamSpec
	if s.SimulcastEnabled {
		next = SingleStreamAtSimulcastResolution(s.QPMax)
	} else {
		next = Simulcast(s.QPMax)
	}
	next.StartBitrateKbps = s.StartBitrateKbps
	return next
}

// Clone returns a deep copy so callers cannot alias the layer slice.
func (s StreamSpec) Clone() StreamSpec {
	c := s
	c.Layers = append([]Layer(nil), s.Layers...)
	return c
}

// Validate checks the layout invariants.
func (s StreamSpec) Validate() error {
	if len(s.Layers) == 0 || len(s.Layers) > MaxStreams {
		return fmt.Errorf("stream spec must have 1..%d layers, got %d", MaxStreams, len(s.Layers))
	}
	for i, l := range s.Layers {
		if l.Index != i {
			return fmt.Errorf("layer %d has index %d, indices must be dense and 0-based", i, l.Index)
		}
		if err := validation.ValidateResolution(l.Width, l.Height); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		if l.QPMax != s.QPMax {
			return fmt.Errorf("layer %d qp_max %d does not match call qp_max %d", i, l.QPMax, s.QPMax)
		}
		if !s.SimulcastEnabled && l.MaxBitrateKbps != 0 {
			return fmt.Errorf("layer %d is capped at %d kbps while simulcast is disabled", i, l.MaxBitrateKbps)
		}
	}
	return nil
}

// Resolutions lists the layer resolutions in index order.
func (s StreamSpec) Resolutions() []string {
	out := make([]string, 0, len(s.Layers))
	for _, l := range s.Layers {
		out = append(out, fmt.Sprintf("%dx%d", l.Width, l.Height))
	}
	return out
}
