package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	"simulcastctl/internal/core/services"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("transport stopped")

type Config struct {
	QueueSize         int
	NetworkDelay      time.Duration
	PacketLossPercent int
}

// Stats are the transport-level packet counters.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Filtered uint64 `json:"filtered"`
	Lost     uint64 `json:"lost"`
	Overflow uint64 `json:"overflow"`
	RTCP     uint64 `json:"rtcp"`
}

type item struct {
	rtcp      bool
	from      domain.PipelineHandle
	id        domain.StreamIdentifier
	raw       []byte
	deliverAt time.Time
}

// Loopback carries every packet a pipeline sends back into the engine. RTP is filtered by
// SSRC, optionally lost and delayed, then routed to a receiving pipeline by the SsrcRouter on
// a single delivery goroutine.
type Loopback struct {
	network  ports.NetworkEngine
	router   *services.SsrcRouter
	observer ports.PacketObserver
	logger   *zap.SugaredLogger

	filter atomic.Pointer[domain.RelayPolicy]
	delay  atomic.Int64
	loss   atomic.Int32

	queue   chan item
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool

	sent, filtered, lost, overflow, rtcp atomic.Uint64
}

// NewLoopback starts the delivery goroutine. observer may be nil.
func NewLoopback(cfg Config, network ports.NetworkEngine, router *services.SsrcRouter, observer ports.PacketObserver, logger *zap.SugaredLogger) *Loopback {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := &Loopback{
		network:  network,
		router:   router,
		observer: observer,
		logger:   logger.With("component", "transport"),
		queue:    make(chan item, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	all := domain.RelayAll()
	t.filter.Store(&all)
	t.SetNetworkDelay(cfg.NetworkDelay)
	t.SetPacketLoss(cfg.PacketLossPercent)

	go t.run()
	return t
}

// Factory adapts NewLoopback to the session controller's transport factory.
func Factory(cfg Config, network ports.NetworkEngine, observer ports.PacketObserver, logger *zap.SugaredLogger) services.TransportFactory {
	return func(router *services.SsrcRouter) (ports.Transport, error) {
		if router == nil {
			return nil, fmt.Errorf("loopback transport needs a router")
		}
		return NewLoopback(cfg, network, router, observer, logger), nil
	}
}

func (t *Loopback) SetSSRCFilter(policy domain.RelayPolicy) {
	t.filter.Store(&policy)
}

func (t *Loopback) SetNetworkDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.delay.Store(int64(d))
}

func (t *Loopback) SetPacketLoss(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.loss.Store(int32(percent))
}

func (t *Loopback) SendRTP(from domain.PipelineHandle, packet []byte) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	var h rtp.Header
	if _, err := h.Unmarshal(packet); err != nil {
		return fmt.Errorf("malformed rtp from pipeline %d: %w", from, err)
	}
	id := domain.StreamIdentifier(h.SSRC)
	t.sent.Add(1)

	if active, one := t.filter.Load().Active(); one && id != active {
		t.filtered.Add(1)
		t.observe(id, false)
		return nil
	}
	if loss := t.loss.Load(); loss > 0 && rand.IntN(100) < int(loss) {
		t.lost.Add(1)
		return nil
	}
	t.enqueue(item{from: from, id: id, raw: packet})
	return nil
}

func (t *Loopback) SendRTCP(from domain.PipelineHandle, packet []byte) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	t.rtcp.Add(1)
	t.enqueue(item{rtcp: true, from: from, raw: packet})
	return nil
}

// enqueue never blocks: the delivery goroutine itself sends RTCP feedback through here.
func (t *Loopback) enqueue(it item) {
	it.deliverAt = time.Now().Add(time.Duration(t.delay.Load()))
	select {
	case t.queue <- it:
	default:
		t.overflow.Add(1)
	}
}

func (t *Loopback) run() {
	defer close(t.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case it := <-t.queue:
			if wait := time.Until(it.deliverAt); wait > 0 {
				timer.Reset(wait)
				select {
				case <-t.stop:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			t.deliver(it)
		}
	}
}

func (t *Loopback) deliver(it item) {
	if it.rtcp {
		if err := t.network.ReceivedRTCP(it.from, it.raw); err != nil {
			t.logger.Debugw("rtcp not delivered", "from", it.from, "error", err)
		}
		return
	}

	d := t.router.Decide(it.id)
	t.observe(it.id, d.Delivered)
	if !d.Delivered {
		return
	}
	if err := t.network.ReceivedRTP(d.Pipeline, it.raw); err != nil {
		t.logger.Debugw("rtp not delivered", "ssrc", it.id, "pipeline", d.Pipeline, "error", err)
	}
}

func (t *Loopback) observe(id domain.StreamIdentifier, delivered bool) {
	if t.observer != nil {
		t.observer.ObservePacket(id, delivered)
	}
}

// Stop halts delivery. Once it returns no further Route calls happen.
func (t *Loopback) Stop(ctx context.Context) error {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.stop)
	})
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Loopback) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Filtered: t.filtered.Load(),
		Lost:     t.lost.Load(),
		Overflow: t.overflow.Load(),
		RTCP:     t.rtcp.Load(),
	}
}
