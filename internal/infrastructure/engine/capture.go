package engine

import (
	"context"
	"fmt"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"github.com/pion/rtp"
	"golang.org/x/time/rate"
)

// capture ids live in their own range so they can share the render source space with pipelines.
const captureIDBase = 1000

type capture struct {
	id        int
	device    ports.CaptureDevice
	connected domain.PipelineHandle
	running   bool
	cancel    context.CancelFunc
	frames    uint32
}

type captureAPI struct {
	refCount
	e *Engine
}

func (c *captureAPI) Devices() ([]ports.CaptureDevice, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return append([]ports.CaptureDevice(nil), e.devices...), nil
}

func (c *captureAPI) Allocate(uniqueID string) (int, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	var dev *ports.CaptureDevice
	for i := range e.devices {
		if e.devices[i].UniqueID == uniqueID {
			dev = &e.devices[i]
			break
		}
	}
	if dev == nil {
		return 0, fmt.Errorf("%s: %w", uniqueID, ErrUnknownCapture)
	}
	for _, existing := range e.captures {
		if existing.device.UniqueID == uniqueID {
			return 0, fmt.Errorf("%s: %w", uniqueID, ErrDeviceBusy)
		}
	}

	id := e.nextCapture
	e.nextCapture++
	e.captures[id] = &capture{id: id, device: *dev, connected: domain.InvalidPipeline}
	e.logger.Debugw("capture device allocated", "capture_id", id, "device", dev.Name)
	return id, nil
}

func (e *Engine) captureLocked(id int) (*capture, error) {
	if e.closed {
		return nil, ErrClosed
	}
	c, ok := e.captures[id]
	if !ok {
		return nil, fmt.Errorf("capture %d: %w", id, ErrUnknownCapture)
	}
	return c, nil
}

func (c *captureAPI) Connect(captureID int, p domain.PipelineHandle) error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, err := e.captureLocked(captureID)
	if err != nil {
		return err
	}
	if _, err := e.sendPipelineLocked(p); err != nil {
		return err
	}
	cp.connected = p
	return nil
}

func (c *captureAPI) Start(captureID int) error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, err := e.captureLocked(captureID)
	if err != nil {
		return err
	}
	if cp.running {
		return fmt.Errorf("capture %d: %w", captureID, ErrAlreadyRunning)
	}
	cp.running = true
	if e.cfg.FrameRate > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cp.cancel = cancel
		e.startCapture(ctx, captureID)
	}
	return nil
}

func (c *captureAPI) Stop(captureID int) error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, err := e.captureLocked(captureID)
	if err != nil {
		return err
	}
	if !cp.running {
		return fmt.Errorf("capture %d: %w", captureID, ErrNotRunning)
	}
	cp.running = false
	if cp.cancel != nil {
		cp.cancel()
		cp.cancel = nil
	}
	return nil
}

func (c *captureAPI) Disconnect(p domain.PipelineHandle) error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	for _, cp := range e.captures {
		if cp.connected == p {
			cp.connected = domain.InvalidPipeline
			return nil
		}
	}
	return fmt.Errorf("no capture connected to pipeline %d: %w", p, ErrUnknownCapture)
}

func (c *captureAPI) ReleaseDevice(captureID int) error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, err := e.captureLocked(captureID)
	if err != nil {
		return err
	}
	if cp.cancel != nil {
		cp.cancel()
	}
	delete(e.captures, captureID)
	return nil
}

func (e *Engine) captureLoop(ctx context.Context, id int) {
	limiter := rate.NewLimiter(rate.Limit(e.cfg.FrameRate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := e.EmitFrame(id); err != nil {
			e.logger.Debugw("frame not sent", "capture_id", id, "error", err)
		}
	}
}

type outbound struct {
	transport ports.Transport
	from      domain.PipelineHandle
	raw       []byte
}

// EmitFrame captures one frame on captureID and sends one RTP packet per active layer of the
// connected sending pipeline. It returns the number of packets handed to the transport.
func (e *Engine) EmitFrame(captureID int) (int, error) {
	e.mu.Lock()
	cp, err := e.captureLocked(captureID)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if !cp.running {
		e.mu.Unlock()
		return 0, fmt.Errorf("capture %d: %w", captureID, ErrNotRunning)
	}
	pl, ok := e.pipelines[cp.connected]
	if !ok || !pl.sending || pl.sendCodec == nil {
		e.mu.Unlock()
		return 0, nil
	}

	cp.frames++
	ts := cp.frames * (videoClockRate / uint32(maxInt(e.cfg.FrameRate, 1)))
	keyFrame := pl.keyFrame
	pl.keyFrame = false

	var out []outbound
	for idx, id := range pl.activeSSRCs() {
		pl.seq[idx]++
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    uint8(pl.sendCodec.PayloadType),
				SequenceNumber: pl.seq[idx],
				Timestamp:      ts,
				SSRC:           uint32(id),
			},
			Payload: framePayload(keyFrame, idx),
		}
		raw, err := pkt.Marshal()
		if err != nil {
			e.mu.Unlock()
			return 0, fmt.Errorf("marshal rtp: %w", err)
		}
		out = append(out, outbound{transport: pl.transport, from: pl.handle, raw: raw})
		pl.stats.PacketsSent++
	}
	if keyFrame && len(out) > 0 {
		pl.stats.KeyFramesSent++
	}
	e.mu.Unlock()

	sent := 0
	for _, o := range out {
		if err := o.transport.SendRTP(o.from, o.raw); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// framePayload is a VP8 payload descriptor followed by a one-byte layer marker. The inverse
// keyframe bit of the first partition header is cleared on keyframes.
func framePayload(keyFrame bool, layer int) []byte {
	header := byte(0x01)
	if keyFrame {
		header = 0x00
	}
	return []byte{0x10, header, byte(layer), byte(time.Now().UnixNano())}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
