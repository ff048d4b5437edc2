package engine

import (
	"fmt"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
)

type rtpAPI struct {
	refCount
	e *Engine
}

func (r *rtpAPI) SetLocalSSRC(send domain.PipelineHandle, ssrc domain.StreamIdentifier, layerIndex int) error {
	if layerIndex < 0 || layerIndex >= domain.MaxStreams {
		return fmt.Errorf("layer index %d out of range", layerIndex)
	}
	if ssrc == 0 {
		return fmt.Errorf("ssrc 0: %w", domain.ErrInvalidIdentifier)
	}

	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.sendPipelineLocked(send)
	if err != nil {
		return err
	}
	if len(pl.spec.Layers) > 0 && layerIndex >= len(pl.spec.Layers) {
		return fmt.Errorf("layer index %d beyond %d configured layers", layerIndex, len(pl.spec.Layers))
	}
	pl.ssrcs[layerIndex] = ssrc
	e.logger.Debugw("local ssrc set", "pipeline", send, "ssrc", ssrc, "layer", layerIndex)
	return nil
}

func (r *rtpAPI) SetRTCPStatus(p domain.PipelineHandle, mode ports.RTCPMode) error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	pl.rtcpMode = mode
	return nil
}

func (r *rtpAPI) SetREMBStatus(p domain.PipelineHandle, sender, receiver bool) error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	pl.rembSender = sender
	pl.rembReceiver = receiver
	return nil
}

func (r *rtpAPI) SetKeyFrameRequestMethod(p domain.PipelineHandle, method ports.KeyFrameRequestMethod) error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	pl.keyFrameReq = method
	return nil
}
