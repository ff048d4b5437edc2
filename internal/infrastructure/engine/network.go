package engine

import (
	"fmt"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// defaultEstimateKbps is reported by REMB when the sender has no bitrate ceiling.
const defaultEstimateKbps = 2500

type networkAPI struct {
	refCount
	e *Engine
}

func (n *networkAPI) RegisterSendTransport(p domain.PipelineHandle, t ports.Transport) error {
	if t == nil {
		return fmt.Errorf("pipeline %d: %w", p, ErrNoTransport)
	}
	e := n.e
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	pl.transport = t
	return nil
}

// ReceivedRTP hands an inbound RTP packet to pipeline p. Receivers answer the first packet of
// every stream with a keyframe request and periodically report a bandwidth estimate.
func (n *networkAPI) ReceivedRTP(p domain.PipelineHandle, packet []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return fmt.Errorf("pipeline %d: malformed rtp: %w", p, err)
	}
	id := domain.StreamIdentifier(pkt.SSRC)

	e := n.e
	e.mu.Lock()
	pl, err := e.pipelineLocked(p)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !pl.receiving {
		pl.stats.PacketsRejected++
		e.mu.Unlock()
		return fmt.Errorf("pipeline %d: %w", p, ErrNotReceiving)
	}
	if pl.recvCodec != nil && pkt.PayloadType != uint8(pl.recvCodec.PayloadType) {
		pl.stats.PacketsRejected++
		e.mu.Unlock()
		return fmt.Errorf("pipeline %d: payload type %d: %w", p, pkt.PayloadType, ErrUnsupportedCodec)
	}

	pl.stats.PacketsReceived++
	pl.stats.BySSRC[id]++

	var feedback []rtcp.Packet
	if pl.rtcpMode != ports.RTCPNone && pl.transport != nil {
		if pl.keyFrameReq == ports.KeyFrameRequestPLI && !pl.requested[id] {
			pl.requested[id] = true
			feedback = append(feedback, &rtcp.PictureLossIndication{SenderSSRC: uint32(p), MediaSSRC: pkt.SSRC})
		}
		if pl.rembReceiver && pl.stats.PacketsReceived%e.cfg.REMBInterval == 0 {
			feedback = append(feedback, &rtcp.ReceiverEstimatedMaximumBitrate{
				SenderSSRC: uint32(p),
				Bitrate:    e.estimateLocked(pl),
				SSRCs:      []uint32{pkt.SSRC},
			})
		}
		if len(feedback) > 0 && pl.rtcpMode == ports.RTCPCompound {
			rr := &rtcp.ReceiverReport{
				SSRC: uint32(p),
				Reports: []rtcp.ReceptionReport{{
					SSRC:               pkt.SSRC,
					LastSequenceNumber: uint32(pkt.SequenceNumber),
				}},
			}
			feedback = append([]rtcp.Packet{rr}, feedback...)
		}
	}
	transport := pl.transport
	e.mu.Unlock()

	if len(feedback) == 0 {
		return nil
	}
	raw, err := rtcp.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("pipeline %d: marshal rtcp: %w", p, err)
	}
	return transport.SendRTCP(p, raw)
}

// estimateLocked derives a bandwidth estimate from the sender's layer ceilings.
func (e *Engine) estimateLocked(receiver *pipeline) float32 {
	kbps := 0
	if send, ok := e.pipelines[receiver.sendOf]; ok {
		k := send.spec.ActiveLayerCount()
		for i := 0; i < k && i < len(send.spec.Layers); i++ {
			kbps += send.spec.Layers[i].MaxBitrateKbps
		}
	}
	if kbps == 0 {
		kbps = defaultEstimateKbps
	}
	return float32(kbps * 1000)
}

// ReceivedRTCP delivers feedback emitted by pipeline p to the sending pipeline p is bound to.
func (n *networkAPI) ReceivedRTCP(p domain.PipelineHandle, packet []byte) error {
	packets, err := rtcp.Unmarshal(packet)
	if err != nil {
		return fmt.Errorf("pipeline %d: malformed rtcp: %w", p, err)
	}

	e := n.e
	e.mu.Lock()
	defer e.mu.Unlock()
	from, err := e.pipelineLocked(p)
	if err != nil {
		return err
	}
	target, err := e.pipelineLocked(from.sendOf)
	if err != nil {
		return err
	}

	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.ReceiverReport:
			target.stats.ReceiverReports++
		case *rtcp.PictureLossIndication:
			target.stats.KeyFrameRequests++
			target.keyFrame = true
			e.logger.Debugw("keyframe requested", "pipeline", target.handle, "from", p, "ssrc", pkt.MediaSSRC)
		case *rtcp.FullIntraRequest:
			target.stats.KeyFrameRequests++
			target.keyFrame = true
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			if target.rembSender {
				target.stats.REMBBitrate = pkt.Bitrate
			}
		}
	}
	return nil
}
