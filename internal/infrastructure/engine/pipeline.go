package engine

import (
	"fmt"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

type pipeline struct {
	handle    domain.PipelineHandle
	send      bool
	sendOf    domain.PipelineHandle
	sending   bool
	receiving bool
	transport ports.Transport

	sendCodec *webrtc.RTPCodecParameters
	recvCodec *webrtc.RTPCodecParameters
	spec      domain.StreamSpec
	ssrcs     [domain.MaxStreams]domain.StreamIdentifier
	seq       [domain.MaxStreams]uint16
	keyFrame  bool

	rtcpMode     ports.RTCPMode
	rembSender   bool
	rembReceiver bool
	keyFrameReq  ports.KeyFrameRequestMethod
	requested    map[domain.StreamIdentifier]bool

	stats PipelineStats
}

// PipelineStats are the packet counters of one pipeline.
type PipelineStats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	PacketsRejected  uint64
	BySSRC           map[domain.StreamIdentifier]uint64
	KeyFramesSent    uint64
	KeyFrameRequests uint64
	ReceiverReports  uint64
	REMBBitrate      float32
}

func (s PipelineStats) clone() PipelineStats {
	c := s
	c.BySSRC = make(map[domain.StreamIdentifier]uint64, len(s.BySSRC))
	for k, v := range s.BySSRC {
		c.BySSRC[k] = v
	}
	return c
}

// activeSSRCs returns the identifiers the pipeline currently sends, in layer order.
func (pl *pipeline) activeSSRCs() []domain.StreamIdentifier {
	k := pl.spec.ActiveLayerCount()
	if len(pl.spec.Layers) == 0 {
		return nil
	}
	out := make([]domain.StreamIdentifier, 0, k)
	for idx := 0; idx < k && idx < domain.MaxStreams; idx++ {
		if pl.ssrcs[idx] != 0 {
			out = append(out, pl.ssrcs[idx])
		}
	}
	return out
}

type baseAPI struct {
	refCount
	e *Engine
}

func (b *baseAPI) Init() error {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.initialized = true
	return nil
}

func (b *baseAPI) CreateSendPipeline() (domain.PipelineHandle, error) {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.InvalidPipeline, ErrClosed
	}
	if !e.initialized {
		return domain.InvalidPipeline, ErrNotInitialized
	}

	pl := e.newPipelineLocked()
	pl.send = true
	pl.sendOf = pl.handle
	e.logger.Debugw("created sending pipeline", "pipeline", pl.handle)
	return pl.handle, nil
}

func (b *baseAPI) CreateReceivePipeline(send domain.PipelineHandle) (domain.PipelineHandle, error) {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return domain.InvalidPipeline, ErrNotInitialized
	}
	if _, err := e.sendPipelineLocked(send); err != nil {
		return domain.InvalidPipeline, err
	}

	pl := e.newPipelineLocked()
	pl.sendOf = send
	e.logger.Debugw("created receiving pipeline", "pipeline", pl.handle, "send_pipeline", send)
	return pl.handle, nil
}

func (e *Engine) newPipelineLocked() *pipeline {
	pl := &pipeline{
		handle:    e.next,
		requested: make(map[domain.StreamIdentifier]bool),
		stats:     PipelineStats{BySSRC: make(map[domain.StreamIdentifier]uint64)},
	}
	e.pipelines[pl.handle] = pl
	e.next++
	return pl
}

func (b *baseAPI) DeletePipeline(p domain.PipelineHandle) error {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	delete(e.pipelines, p)
	e.logger.Debugw("deleted pipeline", "pipeline", p, "send", pl.send)
	return nil
}

func (b *baseAPI) StartSend(p domain.PipelineHandle) error {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.sendPipelineLocked(p)
	if err != nil {
		return err
	}
	if pl.sending {
		return fmt.Errorf("send on pipeline %d: %w", p, ErrAlreadyRunning)
	}
	if pl.transport == nil {
		return fmt.Errorf("send on pipeline %d: %w", p, ErrNoTransport)
	}
	if pl.sendCodec == nil {
		return fmt.Errorf("send on pipeline %d: %w", p, ErrUnsupportedCodec)
	}
	pl.sending = true
	pl.keyFrame = true
	return nil
}

func (b *baseAPI) StopSend(p domain.PipelineHandle) error {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.sendPipelineLocked(p)
	if err != nil {
		return err
	}
	if !pl.sending {
		return fmt.Errorf("send on pipeline %d: %w", p, ErrNotRunning)
	}
	pl.sending = false
	return nil
}

func (b *baseAPI) StartReceive(p domain.PipelineHandle) error {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	if pl.receiving {
		return fmt.Errorf("receive on pipeline %d: %w", p, ErrAlreadyRunning)
	}
	pl.receiving = true
	return nil
}

func (b *baseAPI) StopReceive(p domain.PipelineHandle) error {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	if !pl.receiving {
		return fmt.Errorf("receive on pipeline %d: %w", p, ErrNotRunning)
	}
	pl.receiving = false
	return nil
}
