package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	apperrors "simulcastctl/pkg/errors"
	"simulcastctl/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SessionOptions are the call parameters fixed at provisioning time.
type SessionOptions struct {
	RelayMode         domain.RelayMode
	InitialActive     domain.StreamIdentifier // 0 selects the highest active layer
	SimulcastOnStart  bool
	StartBitrateKbps  int
	QPMax             int
	CaptureDevice     int // 1-based
	NetworkDelay      time.Duration
	PacketLossPercent int
}

// DefaultSessionOptions mirrors the defaults of the interactive call.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		RelayMode:        domain.RelayOneStream,
		SimulcastOnStart: true,
		QPMax:            domain.DefaultQPMax,
		CaptureDevice:    1,
		NetworkDelay:     10 * time.Millisecond,
	}
}

// TransportFactory creates the external transport once the router exists.
type TransportFactory func(router *SsrcRouter) (ports.Transport, error)

// SessionController owns the call state and drives the media engine through
// Idle -> Provisioned -> Streaming <-> Reconfiguring -> TornDown.
type SessionController struct {
	id           domain.SessionID
	engine       ports.MediaEngine
	newTransport TransportFactory
	opts         SessionOptions
	metrics      ports.SessionMetrics
	events       ports.EventPublisher
	logger       *zap.SugaredLogger

	mu               sync.Mutex
	state            domain.SessionState
	send             domain.PipelineHandle
	router           *SsrcRouter
	transport        ports.Transport
	aux              domain.PipelineHandle
	captureID        int
	thumbnail        domain.PipelineHandle
	codec            webrtc.RTPCodecParameters
	spec             domain.StreamSpec
	started          bool
	startedAt        time.Time
	reconfigurations int
}

// NewSessionController creates an Idle controller. metrics and events may be nil.
func NewSessionController(
	engine ports.MediaEngine,
	newTransport TransportFactory,
	opts SessionOptions,
	metrics ports.SessionMetrics,
	events ports.EventPublisher,
	logger *zap.SugaredLogger,
) *SessionController {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	id := domain.SessionID(uuid.NewString())
	return &SessionController{
		id:           id,
		engine:       engine,
		newTransport: newTransport,
		opts:         opts,
		metrics:      metrics,
		events:       events,
		logger:       logger.With("session_id", id),
		state:        domain.StateIdle,
		send:         domain.InvalidPipeline,
		aux:          domain.InvalidPipeline,
		thumbnail:    domain.InvalidPipeline,
		captureID:    -1,
	}
}

// ID returns the session identifier.
func (c *SessionController) ID() domain.SessionID {
	return c.id
}

// State returns the current lifecycle state.
func (c *SessionController) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Router returns the SSRC router, nil before provisioning.
func (c *SessionController) Router() *SsrcRouter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.router
}

// Spec returns a copy of the applied stream spec.
func (c *SessionController) Spec() domain.StreamSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Clone()
}

// CallState returns a snapshot of the call.
func (c *SessionController) CallState() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callStateLocked()
}

func (c *SessionController) callStateLocked() domain.CallState {
	cs := domain.CallState{
		SessionID:         c.id,
		State:             c.state.String(),
		Spec:              c.spec.Clone(),
		SendPipeline:      c.send,
		AuxiliaryPipeline: c.aux,
		ThumbnailPipeline: c.thumbnail,
		StartedAt:         c.startedAt,
		Reconfigurations:  c.reconfigurations,
	}
	if c.router != nil {
		policy, k := c.router.Snapshot()
		cs.Policy = policy.String()
		cs.ActiveLayers = k
		cs.ReceivePipelines = c.router.Table().Pipelines()
	}
	return cs
}

func (c *SessionController) setState(s domain.SessionState) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.metrics.ObserveState(s)
	c.logger.Debugw("session state changed", "from", from.String(), "to", s.String())
	c.publish(domain.EventStateChanged, map[string]string{"from": from.String(), "to": s.String()})
}

func (c *SessionController) publish(t domain.EventType, payload interface{}) {
	if c.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warnw("failed to encode session event", "type", t, "error", err)
		return
	}
	ev := &domain.Event{Type: t, SessionID: c.id, Timestamp: time.Now(), Payload: raw}
	if err := c.events.Publish(context.Background(), ev); err != nil {
		c.logger.Warnw("failed to publish session event", "type", t, "error", err)
	}
}

// engineAllocator adapts BaseEngine to the routing table allocator.
type engineAllocator struct {
	base ports.BaseEngine
	send domain.PipelineHandle
}

func (a engineAllocator) Allocate() (domain.PipelineHandle, error) {
	return a.base.CreateReceivePipeline(a.send)
}

func (a engineAllocator) Free(p domain.PipelineHandle) error {
	return a.base.DeletePipeline(p)
}

// Provision creates the send pipeline, the routing table and binds capture, RTP/RTCP, render
// and receive codecs. The first failing step aborts with a SetupError naming it.
func (c *SessionController) Provision(ctx context.Context) (domain.CallState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.StateIdle {
		return c.callStateLocked(), fmt.Errorf("provision from %s: %w", c.state, domain.ErrInvalidState)
	}

	ctx, span := tracing.TraceSession(ctx, "provision", string(c.id))
	defer span.End()
	begin := time.Now()

	if err := c.provisionLocked(ctx); err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Errorw("session setup failed", "error", err)
		return c.callStateLocked(), err
	}

	c.metrics.RecordSetupDuration(time.Since(begin))
	tracing.MeasureDuration(ctx, begin, "provision")
	c.setState(domain.StateProvisioned)
	c.logger.Infow("session provisioned",
		"send_pipeline", c.send,
		"receive_pipelines", c.router.Table().Pipelines(),
		"relay_mode", c.opts.RelayMode.String(),
	)
	return c.callStateLocked(), nil
}

func (c *SessionController) provisionLocked(ctx context.Context) error {
	e := c.engine
	step := func(name string, err error) error {
		if err != nil {
			return apperrors.NewSetupError(name, err)
		}
		c.logger.Debugw("setup step done", "step", name)
		return nil
	}

	if err := step("base.init", e.Base.Init()); err != nil {
		return err
	}

	send, err := e.Base.CreateSendPipeline()
	if err := step("base.create_send_pipeline", err); err != nil {
		return err
	}
	c.send = send

	table, err := BuildRoutingTable(ctx, domain.MaxStreams, domain.InvalidPipeline, engineAllocator{base: e.Base, send: send})
	if err := step("routing.build_table", err); err != nil {
		return err
	}
	c.router = NewSsrcRouter(table)

	if err := c.bindCapture(step); err != nil {
		return err
	}
	if err := c.configureRTP(step); err != nil {
		return err
	}
	if err := c.bindRender(step); err != nil {
		return err
	}
	return c.configureReceiveCodecs(step)
}

func (c *SessionController) bindCapture(step func(string, error) error) error {
	capture := c.engine.Capture

	devices, err := capture.Devices()
	if err := step("capture.enumerate", err); err != nil {
		return err
	}
	for i, d := range devices {
		c.logger.Debugw("capture device", "index", i+1, "name", d.Name)
	}

	idx := c.opts.CaptureDevice - 1
	if idx < 0 || idx >= len(devices) {
		return step("capture.select", fmt.Errorf("device %d of %d: %w", c.opts.CaptureDevice, len(devices), domain.ErrNoCaptureDevice))
	}

	captureID, err := capture.Allocate(devices[idx].UniqueID)
	if err := step("capture.allocate", err); err != nil {
		return err
	}
	c.captureID = captureID

	if err := step("capture.connect", capture.Connect(captureID, c.send)); err != nil {
		return err
	}
	return step("capture.start", capture.Start(captureID))
}

func (c *SessionController) configureRTP(step func(string, error) error) error {
	rtp := c.engine.RTP

	if err := step("rtp.send_rtcp_status", rtp.SetRTCPStatus(c.send, ports.RTCPCompound)); err != nil {
		return err
	}
	if err := step("rtp.send_remb", rtp.SetREMBStatus(c.send, true, false)); err != nil {
		return err
	}
	if err := step("rtp.send_keyframe_method", rtp.SetKeyFrameRequestMethod(c.send, ports.KeyFrameRequestPLI)); err != nil {
		return err
	}

	for _, p := range c.router.Table().Pipelines() {
		if err := step("rtp.receive_rtcp_status", rtp.SetRTCPStatus(p, ports.RTCPCompound)); err != nil {
			return err
		}
		if err := step("rtp.receive_remb", rtp.SetREMBStatus(p, false, true)); err != nil {
			return err
		}
		if err := step("rtp.receive_keyframe_method", rtp.SetKeyFrameRequestMethod(p, ports.KeyFrameRequestPLI)); err != nil {
			return err
		}
	}
	return nil
}

func (c *SessionController) bindRender(step func(string, error) error) error {
	render := c.engine.Render
	capture := ports.RenderSource(c.captureID)

	if err := step("render.add_capture", render.AddRenderer(capture, "main", 0)); err != nil {
		return err
	}
	if err := step("render.start_capture", render.StartRender(capture)); err != nil {
		return err
	}

	// only the thumbnail is rendered from the call itself
	c.thumbnail = c.send
	if c.opts.RelayMode == domain.RelayAllStreams {
		c.thumbnail, _ = c.router.Table().Pipeline(1)
	}
	thumb := ports.RenderSource(c.thumbnail)
	if err := step("render.add_thumbnail", render.AddRenderer(thumb, "thumbnail", 1)); err != nil {
		return err
	}
	return step("render.start_thumbnail", render.StartRender(thumb))
}

func (c *SessionController) configureReceiveCodecs(step func(string, error) error) error {
	found := false
	for _, codec := range c.engine.Codec.Codecs() {
		if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8) {
			continue
		}
		c.codec = codec
		found = true
		break
	}
	if !found {
		return step("codec.select_vp8", domain.ErrNoVideoCodec)
	}
	c.logger.Debugw("selected video codec", "mime_type", c.codec.MimeType, "payload_type", c.codec.PayloadType)

	for _, p := range c.router.Table().Pipelines() {
		if err := step("codec.set_receive", c.engine.Codec.SetReceiveCodec(p, c.codec)); err != nil {
			return err
		}
	}
	return nil
}

// InitialSpec returns the spec Start applies.
func (o SessionOptions) InitialSpec() domain.StreamSpec {
	spec := domain.SingleStream(o.QPMax)
	if o.SimulcastOnStart {
		spec = domain.Simulcast(o.QPMax)
	}
	spec.StartBitrateKbps = o.StartBitrateKbps
	return spec
}

// InitialPolicy returns the relay policy Start applies for k active layers.
func (o SessionOptions) InitialPolicy(k int) domain.RelayPolicy {
	if o.RelayMode != domain.RelayOneStream {
		return domain.RelayAll()
	}
	if o.InitialActive == 0 {
		return domain.RelayOne(domain.StreamIdentifier(k))
	}
	return domain.RelayOne(o.InitialActive)
}

// Start applies the initial stream spec, issues identifiers, attaches the transport and
// starts sending and receiving. The auxiliary receiving pipeline is created last.
func (c *SessionController) Start(ctx context.Context) (domain.CallState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.StateProvisioned {
		return c.callStateLocked(), fmt.Errorf("start from %s: %w", c.state, domain.ErrInvalidState)
	}

	ctx, span := tracing.TraceSession(ctx, "start", string(c.id))
	defer span.End()

	if err := c.startLocked(); err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Errorw("session start failed", "error", err)
		return c.callStateLocked(), err
	}

	c.startedAt = time.Now()
	c.setState(domain.StateStreaming)
	policy, k := c.router.Snapshot()
	tracing.AddSpanAttributes(ctx, tracing.LayersKey.Int(k), tracing.PolicyKey.String(policy.String()))
	c.logger.Infow("simulcast call started",
		"simulcast", c.spec.SimulcastEnabled,
		"active_layers", k,
		"policy", policy.String(),
		"auxiliary_pipeline", c.aux,
	)
	return c.callStateLocked(), nil
}

func (c *SessionController) startLocked() error {
	e := c.engine
	step := func(name string, err error) error {
		if err != nil {
			return apperrors.NewSetupError(name, err)
		}
		return nil
	}

	spec := c.opts.InitialSpec()
	if err := step("codec.validate_spec", spec.Validate()); err != nil {
		return err
	}
	if err := step("codec.set_send", e.Codec.SetSendCodec(c.send, c.codec, spec)); err != nil {
		return err
	}
	k := spec.ActiveLayerCount()
	if err := step("rtp.set_local_ssrc", c.assignIdentifiers(k)); err != nil {
		return err
	}

	policy := c.opts.InitialPolicy(k)
	if active, one := policy.Active(); one && !active.Valid(domain.MaxStreams) {
		return step("routing.initial_policy", fmt.Errorf("%s: %w", policy, domain.ErrInvalidIdentifier))
	}

	transport, err := c.newTransport(c.router)
	if err := step("network.create_transport", err); err != nil {
		return err
	}
	c.transport = transport

	if err := step("network.register_send_transport", e.Network.RegisterSendTransport(c.send, transport)); err != nil {
		return err
	}
	for _, p := range c.router.Table().Pipelines() {
		if err := step("network.register_send_transport", e.Network.RegisterSendTransport(p, transport)); err != nil {
			return err
		}
	}
	transport.SetPacketLoss(c.opts.PacketLossPercent)
	transport.SetNetworkDelay(c.opts.NetworkDelay)

	c.commitLocked(spec, policy, k)

	if err := step("base.start_send", e.Base.StartSend(c.send)); err != nil {
		return err
	}
	c.started = true
	if err := step("base.start_receive", e.Base.StartReceive(c.send)); err != nil {
		return err
	}
	for _, p := range c.router.Table().Pipelines() {
		if err := step("base.start_receive", e.Base.StartReceive(p)); err != nil {
			return err
		}
	}

	// kept unused so toggling is exercised with an unrelated pipeline present
	aux, err := e.Base.CreateReceivePipeline(c.send)
	if err := step("base.create_auxiliary_pipeline", err); err != nil {
		return err
	}
	c.aux = aux
	return nil
}

// assignIdentifiers issues identifiers 1..k, one call per layer in index order.
func (c *SessionController) assignIdentifiers(k int) error {
	for idx := 0; idx < k; idx++ {
		if err := c.engine.RTP.SetLocalSSRC(c.send, domain.StreamIdentifier(idx+1), idx); err != nil {
			return fmt.Errorf("set local ssrc (idx:%d): %w", idx, err)
		}
	}
	return nil
}

func (c *SessionController) commitLocked(spec domain.StreamSpec, policy domain.RelayPolicy, k int) {
	c.spec = spec.Clone()
	c.router.Apply(policy, k)
	if c.transport != nil {
		c.transport.SetSSRCFilter(policy)
	}
	c.metrics.SetActiveLayers(k)
	c.metrics.SetRelayPolicy(policy)
}

// Reconfigure applies next to the send codec and re-issues identifiers 1..k. Nothing is
// committed unless the engine accepts both; the relay policy is re-clamped to the new k.
func (c *SessionController) Reconfigure(ctx context.Context, next domain.StreamSpec) (domain.CallState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.StateStreaming {
		return c.callStateLocked(), fmt.Errorf("reconfigure from %s: %w", c.state, domain.ErrInvalidState)
	}
	if err := next.Validate(); err != nil {
		return c.callStateLocked(), apperrors.NewInvalidInputError(err.Error())
	}

	ctx, span := tracing.TraceSession(ctx, "reconfigure", string(c.id))
	defer span.End()

	c.setState(domain.StateReconfiguring)
	err := c.reconfigureLocked(ctx, next)
	c.setState(domain.StateStreaming)
	return c.callStateLocked(), err
}

func (c *SessionController) reconfigureLocked(ctx context.Context, next domain.StreamSpec) error {
	prev := c.spec.Clone()
	if err := c.engine.Codec.SetSendCodec(c.send, c.codec, next); err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Errorw("send codec rejected, keeping previous configuration", "error", err)
		return apperrors.NewReconfigureError(apperrors.NewEngineError("SetSendCodec", err))
	}

	k := next.ActiveLayerCount()
	if err := c.assignIdentifiers(k); err != nil {
		rollback := multierr.Append(
			c.engine.Codec.SetSendCodec(c.send, c.codec, prev),
			c.assignIdentifiers(prev.ActiveLayerCount()),
		)
		if rollback != nil {
			c.logger.Errorw("rollback after identifier failure incomplete", "error", rollback)
		}
		tracing.RecordError(ctx, err)
		return apperrors.NewReconfigureError(multierr.Append(apperrors.NewEngineError("SetLocalSSRC", err), rollback))
	}

	policy, _ := c.router.Snapshot()
	policy = policy.Clamped(k)
	c.commitLocked(next, policy, k)
	c.reconfigurations++

	tracing.AddSpanAttributes(ctx, tracing.LayersKey.Int(k), tracing.PolicyKey.String(policy.String()))
	c.logger.Infow("stream spec applied",
		"simulcast", next.SimulcastEnabled,
		"active_layers", k,
		"resolutions", next.Resolutions(),
		"policy", policy.String(),
	)
	c.publish(domain.EventSpecChanged, map[string]interface{}{
		"simulcast":     next.SimulcastEnabled,
		"active_layers": k,
		"policy":        policy.String(),
	})
	return nil
}

// SelectActive points RelayOne at id. Under RelayAll nothing changes and ignored is true.
// The caller validates id.
func (c *SessionController) SelectActive(ctx context.Context, id domain.StreamIdentifier) (state domain.CallState, ignored bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.StateStreaming {
		return c.callStateLocked(), false, fmt.Errorf("select from %s: %w", c.state, domain.ErrInvalidState)
	}

	policy, _ := c.router.Snapshot()
	if !policy.IsRelayOne() {
		return c.callStateLocked(), true, nil
	}

	next := domain.RelayOne(id)
	// The router decides delivery. The transport filter only sheds load early and may lag it briefly.
	c.router.SetPolicy(next)
	c.transport.SetSSRCFilter(next)
	c.metrics.SetRelayPolicy(next)
	c.reconfigurations++

	c.logger.Infow("active stream identifier changed", "from", policy.String(), "to", next.String())
	c.publish(domain.EventPolicyChanged, map[string]string{"from": policy.String(), "to": next.String()})
	return c.callStateLocked(), false, nil
}

// Teardown stops and releases everything best effort. Every failing step is recorded in the
// report and teardown continues; the returned error combines the failures.
func (c *SessionController) Teardown(ctx context.Context) (*apperrors.TeardownReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := &apperrors.TeardownReport{}
	if c.state != domain.StateProvisioned && c.state != domain.StateStreaming {
		return report, fmt.Errorf("teardown from %s: %w", c.state, domain.ErrInvalidState)
	}

	ctx, span := tracing.TraceSession(ctx, "teardown", string(c.id))
	defer span.End()

	var errs error
	check := func(name string, err error) {
		if err == nil {
			return
		}
		report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", name, err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		c.logger.Warnw("teardown step failed", "step", name, "error", err)
	}

	e := c.engine
	pipelines := c.router.Table().Pipelines()

	if c.aux != domain.InvalidPipeline {
		check("base.delete_auxiliary_pipeline", e.Base.DeletePipeline(c.aux))
		c.aux = domain.InvalidPipeline
	}

	if c.started {
		for _, p := range pipelines {
			check("base.stop_receive", e.Base.StopReceive(p))
		}
		check("base.stop_receive_loopback", e.Base.StopReceive(c.send))
		check("base.stop_send", e.Base.StopSend(c.send))
		c.started = false
	}

	// no Route calls may happen once the table is released
	if c.transport != nil {
		check("network.stop_transport", c.transport.Stop(ctx))
	}

	capture := ports.RenderSource(c.captureID)
	check("render.stop_capture", e.Render.StopRender(capture))
	check("render.remove_capture", e.Render.RemoveRenderer(capture))
	thumb := ports.RenderSource(c.thumbnail)
	check("render.stop_thumbnail", e.Render.StopRender(thumb))
	check("render.remove_thumbnail", e.Render.RemoveRenderer(thumb))

	check("capture.stop", e.Capture.Stop(c.captureID))
	check("capture.disconnect", e.Capture.Disconnect(c.send))
	check("capture.release", e.Capture.ReleaseDevice(c.captureID))

	for _, p := range pipelines {
		check("base.delete_receive_pipeline", e.Base.DeletePipeline(p))
	}
	check("base.delete_send_pipeline", e.Base.DeletePipeline(c.send))

	c.router.Release()

	for _, r := range []ports.Releaser{e.Codec, e.Capture, e.RTP, e.Render, e.Network, e.Base} {
		if remaining := r.Release(); remaining > 0 {
			report.RemainingInterfaces++
		}
	}
	if report.RemainingInterfaces > 0 {
		errs = multierr.Append(errs, fmt.Errorf("could not release %d interface(s)", report.RemainingInterfaces))
	}

	c.metrics.RecordTeardown(len(report.Failures), report.RemainingInterfaces)
	c.setState(domain.StateTornDown)

	if errs != nil {
		tracing.RecordError(ctx, errs)
		c.logger.Errorw("session teardown finished with failures", "report", report.String())
		return report, errs
	}
	c.logger.Infow("session torn down")
	return report, nil
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) ObservePacket(domain.StreamIdentifier, bool) {}
func (NopMetrics) ObserveState(domain.SessionState)            {}
func (NopMetrics) SetActiveLayers(int)                         {}
func (NopMetrics) SetRelayPolicy(domain.RelayPolicy)           {}
func (NopMetrics) RecordCommand(string, error)                 {}
func (NopMetrics) RecordSetupDuration(time.Duration)           {}
func (NopMetrics) RecordTeardown(int, int)                     {}
