package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	ErrNotInitialized   = errors.New("engine not initialized")
	ErrClosed           = errors.New("engine closed")
	ErrUnknownPipeline  = errors.New("unknown pipeline")
	ErrNotSendPipeline  = errors.New("not a sending pipeline")
	ErrUnknownCapture   = errors.New("unknown capture device")
	ErrDeviceBusy       = errors.New("capture device already allocated")
	ErrUnknownRenderer  = errors.New("unknown render source")
	ErrUnsupportedCodec = errors.New("unsupported send codec")
	ErrNoTransport      = errors.New("no send transport registered")
	ErrNotReceiving     = errors.New("pipeline is not receiving")
	ErrAlreadyRunning   = errors.New("already running")
	ErrNotRunning       = errors.New("not running")
)

// Config tunes the loopback engine.
type Config struct {
	FrameRate      int
	TraceFile      string
	CaptureDevices []string
	// REMBInterval is the number of received packets between bandwidth estimates.
	REMBInterval uint64
}

func DefaultConfig() Config {
	return Config{
		FrameRate:      30,
		CaptureDevices: []string{"loopback-test-pattern"},
		REMBInterval:   100,
	}
}

// refCount backs the Release contract of every sub-interface.
type refCount struct {
	n atomic.Int32
}

func (r *refCount) Release() int {
	for {
		cur := r.n.Load()
		if cur <= 0 {
			return 0
		}
		if r.n.CompareAndSwap(cur, cur-1) {
			return int(cur - 1)
		}
	}
}

func (r *refCount) acquire() {
	r.n.Add(1)
}

func (r *refCount) held() int {
	return int(r.n.Load())
}

// Engine is an in-process media engine. Pipelines exchange real RTP/RTCP packets through
// whatever ports.Transport is registered on them; capture produces synthetic frames.
type Engine struct {
	cfg    Config
	logger *zap.SugaredLogger
	trace  *zap.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	next        domain.PipelineHandle
	pipelines   map[domain.PipelineHandle]*pipeline
	devices     []ports.CaptureDevice
	captures    map[int]*capture
	nextCapture int
	renderers   map[ports.RenderSource]*renderer
	wg          sync.WaitGroup

	base    *baseAPI
	codec   *codecAPI
	network *networkAPI
	rtp     *rtpAPI
	capture *captureAPI
	render  *renderAPI
}

// Open acquires an engine with one reference on each sub-interface. Close must be called on
// every exit path.
func Open(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.REMBInterval == 0 {
		cfg.REMBInterval = DefaultConfig().REMBInterval
	}

	e := &Engine{
		cfg:         cfg,
		pipelines:   make(map[domain.PipelineHandle]*pipeline),
		captures:    make(map[int]*capture),
		nextCapture: captureIDBase,
		renderers:   make(map[ports.RenderSource]*renderer),
	}

	if cfg.TraceFile != "" {
		traceCfg := zap.NewDevelopmentConfig()
		traceCfg.OutputPaths = []string{cfg.TraceFile}
		traceCfg.ErrorOutputPaths = []string{cfg.TraceFile}
		trace, err := traceCfg.Build()
		if err != nil {
			return nil, fmt.Errorf("open engine trace file %s: %w", cfg.TraceFile, err)
		}
		e.trace = trace
		logger = zap.New(zapcore.NewTee(logger.Desugar().Core(), trace.Core())).Sugar()
	}
	e.logger = logger.With("component", "engine")

	for i, name := range cfg.CaptureDevices {
		e.devices = append(e.devices, ports.CaptureDevice{
			Name:     name,
			UniqueID: fmt.Sprintf("loopback:%d:%s", i, name),
		})
	}

	e.base = &baseAPI{e: e}
	e.codec = &codecAPI{e: e}
	e.network = &networkAPI{e: e}
	e.rtp = &rtpAPI{e: e}
	e.capture = &captureAPI{e: e}
	e.render = &renderAPI{e: e}
	for _, r := range e.refs() {
		r.acquire()
	}

	e.logger.Debugw("engine opened", "frame_rate", cfg.FrameRate, "capture_devices", len(e.devices))
	return e, nil
}

func (e *Engine) refs() []*refCount {
	return []*refCount{
		&e.base.refCount, &e.codec.refCount, &e.network.refCount,
		&e.rtp.refCount, &e.capture.refCount, &e.render.refCount,
	}
}

// MediaEngine exposes the collaborator interfaces.
func (e *Engine) MediaEngine() ports.MediaEngine {
	return ports.MediaEngine{
		Base:    e.base,
		Codec:   e.codec,
		Network: e.network,
		RTP:     e.rtp,
		Capture: e.capture,
		Render:  e.render,
	}
}

// Retain takes an extra reference on every sub-interface, as a second user of the engine would.
func (e *Engine) Retain() {
	for _, r := range e.refs() {
		r.acquire()
	}
}

// Close stops capture, drops every pipeline and force-releases remaining references.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, c := range e.captures {
		if c.cancel != nil {
			c.cancel()
		}
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	leaked := len(e.pipelines)
	e.pipelines = make(map[domain.PipelineHandle]*pipeline)
	e.captures = make(map[int]*capture)
	e.renderers = make(map[ports.RenderSource]*renderer)
	e.mu.Unlock()

	held := 0
	for _, r := range e.refs() {
		if r.held() > 0 {
			held++
		}
		r.n.Store(0)
	}
	if leaked > 0 || held > 0 {
		e.logger.Debugw("engine closed with live resources", "pipelines", leaked, "interfaces", held)
	} else {
		e.logger.Debugw("engine closed")
	}

	if e.trace != nil {
		// syncing a file-backed core can fail on some platforms; the trace is best effort
		_ = e.trace.Sync()
	}
	return nil
}

// PipelineCount returns the number of live pipelines.
func (e *Engine) PipelineCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pipelines)
}

// Stats returns a copy of the counters of pipeline p.
func (e *Engine) Stats(p domain.PipelineHandle) (PipelineStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, ok := e.pipelines[p]
	if !ok {
		return PipelineStats{}, false
	}
	return pl.stats.clone(), true
}

func (e *Engine) pipelineLocked(p domain.PipelineHandle) (*pipeline, error) {
	if e.closed {
		return nil, ErrClosed
	}
	pl, ok := e.pipelines[p]
	if !ok {
		return nil, fmt.Errorf("pipeline %d: %w", p, ErrUnknownPipeline)
	}
	return pl, nil
}

func (e *Engine) sendPipelineLocked(p domain.PipelineHandle) (*pipeline, error) {
	pl, err := e.pipelineLocked(p)
	if err != nil {
		return nil, err
	}
	if !pl.send {
		return nil, fmt.Errorf("pipeline %d: %w", p, ErrNotSendPipeline)
	}
	return pl, nil
}

// startCapture runs the frame loop of c until ctx is cancelled.
func (e *Engine) startCapture(ctx context.Context, id int) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.captureLoop(ctx, id)
	}()
}
