package engine

import (
	"fmt"
	"strings"

	"simulcastctl/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

const (
	PayloadTypeVP8    webrtc.PayloadType = 100
	PayloadTypeRED    webrtc.PayloadType = 96
	PayloadTypeULPFEC webrtc.PayloadType = 97

	MimeTypeRED    = "video/red"
	MimeTypeULPFEC = "video/ulpfec"

	videoClockRate = 90000
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
}

// SupportedCodecs lists the video codecs the engine advertises, in preference order.
func SupportedCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    videoClockRate,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: PayloadTypeVP8,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: MimeTypeRED, ClockRate: videoClockRate},
			PayloadType:        PayloadTypeRED,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: MimeTypeULPFEC, ClockRate: videoClockRate},
			PayloadType:        PayloadTypeULPFEC,
		},
	}
}

type codecAPI struct {
	refCount
	e *Engine
}

func (c *codecAPI) Codecs() []webrtc.RTPCodecParameters {
	return SupportedCodecs()
}

func (c *codecAPI) SetSendCodec(p domain.PipelineHandle, codec webrtc.RTPCodecParameters, spec domain.StreamSpec) error {
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8) {
		return fmt.Errorf("%s: %w", codec.MimeType, ErrUnsupportedCodec)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("send codec layout: %w", err)
	}

	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.sendPipelineLocked(p)
	if err != nil {
		return err
	}

	pl.sendCodec = &codec
	pl.spec = spec.Clone()
	pl.keyFrame = true
	e.logger.Debugw("send codec set",
		"pipeline", p,
		"payload_type", codec.PayloadType,
		"layers", len(spec.Layers),
		"simulcast", spec.SimulcastEnabled,
		"start_bitrate_kbps", spec.StartBitrateKbps,
	)
	return nil
}

func (c *codecAPI) SetReceiveCodec(p domain.PipelineHandle, codec webrtc.RTPCodecParameters) error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	pl.recvCodec = &codec
	return nil
}
