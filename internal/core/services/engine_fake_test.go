package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// engineRecorder backs every fake engine interface. Calls are logged by name and fail with
// the error registered for that name.
type engineRecorder struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	next      domain.PipelineHandle
	remaining map[string]int
	ssrcs     []domain.StreamIdentifier
	specs     []domain.StreamSpec
	ssrcFail  map[int]error // keyed by SetLocalSSRC call number, 1-based
	ssrcCalls int
}

func newEngineRecorder() *engineRecorder {
	return &engineRecorder{
		fail:      make(map[string]error),
		remaining: make(map[string]int),
		ssrcFail:  make(map[int]error),
	}
}

func (r *engineRecorder) call(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.fail[name]
}

func (r *engineRecorder) failOn(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[name] = err
}

func (r *engineRecorder) clearFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = make(map[string]error)
	r.ssrcFail = make(map[int]error)
}

func (r *engineRecorder) resetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.ssrcs = nil
	r.specs = nil
}

func (r *engineRecorder) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *engineRecorder) count(prefix string) int {
	n := 0
	for _, c := range r.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *engineRecorder) release(name string) int {
	r.call(name + ".Release")
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining[name]
}

func (r *engineRecorder) newPipeline(name string) (domain.PipelineHandle, error) {
	if err := r.call(name); err != nil {
		return domain.InvalidPipeline, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.next
	r.next++
	return p, nil
}

func (r *engineRecorder) media() ports.MediaEngine {
	return ports.MediaEngine{
		Base:    fakeBase{r},
		Codec:   fakeCodec{r},
		Network: fakeNetwork{r},
		RTP:     fakeRTP{r},
		Capture: fakeCapture{r},
		Render:  fakeRender{r},
	}
}

type fakeBase struct{ *engineRecorder }

func (f fakeBase) Release() int { return f.release("Base") }
func (f fakeBase) Init() error  { return f.call("Base.Init") }
func (f fakeBase) CreateSendPipeline() (domain.PipelineHandle, error) {
	return f.newPipeline("Base.CreateSendPipeline")
}
func (f fakeBase) CreateReceivePipeline(domain.PipelineHandle) (domain.PipelineHandle, error) {
	return f.newPipeline("Base.CreateReceivePipeline")
}
func (f fakeBase) DeletePipeline(domain.PipelineHandle) error { return f.call("Base.DeletePipeline") }
func (f fakeBase) StartSend(domain.PipelineHandle) error      { return f.call("Base.StartSend") }
func (f fakeBase) StopSend(domain.PipelineHandle) error       { return f.call("Base.StopSend") }
func (f fakeBase) StartReceive(domain.PipelineHandle) error   { return f.call("Base.StartReceive") }
func (f fakeBase) StopReceive(domain.PipelineHandle) error    { return f.call("Base.StopReceive") }

type fakeCodec struct{ *engineRecorder }

func (f fakeCodec) Release() int { return f.release("Codec") }
func (f fakeCodec) Codecs() []webrtc.RTPCodecParameters {
	if f.call("Codec.Codecs") != nil {
		return nil
	}
	return []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/red", ClockRate: 90000}, PayloadType: 96},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 100},
	}
}
func (f fakeCodec) SetSendCodec(_ domain.PipelineHandle, _ webrtc.RTPCodecParameters, spec domain.StreamSpec) error {
	if err := f.call("Codec.SetSendCodec"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec.Clone())
	return nil
}
func (f fakeCodec) SetReceiveCodec(domain.PipelineHandle, webrtc.RTPCodecParameters) error {
	return f.call("Codec.SetReceiveCodec")
}

type fakeNetwork struct{ *engineRecorder }

func (f fakeNetwork) Release() int { return f.release("Network") }
func (f fakeNetwork) RegisterSendTransport(domain.PipelineHandle, ports.Transport) error {
	return f.call("Network.RegisterSendTransport")
}
func (f fakeNetwork) ReceivedRTP(domain.PipelineHandle, []byte) error {
	return f.call("Network.ReceivedRTP")
}
func (f fakeNetwork) ReceivedRTCP(domain.PipelineHandle, []byte) error {
	return f.call("Network.ReceivedRTCP")
}

type fakeRTP struct{ *engineRecorder }

func (f fakeRTP) Release() int { return f.release("RTP") }
func (f fakeRTP) SetLocalSSRC(_ domain.PipelineHandle, ssrc domain.StreamIdentifier, _ int) error {
	if err := f.call("RTP.SetLocalSSRC"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ssrcCalls++
	if err := f.ssrcFail[f.ssrcCalls]; err != nil {
		return err
	}
	f.ssrcs = append(f.ssrcs, ssrc)
	return nil
}
func (f fakeRTP) SetRTCPStatus(domain.PipelineHandle, ports.RTCPMode) error {
	return f.call("RTP.SetRTCPStatus")
}
func (f fakeRTP) SetREMBStatus(domain.PipelineHandle, bool, bool) error {
	return f.call("RTP.SetREMBStatus")
}
func (f fakeRTP) SetKeyFrameRequestMethod(domain.PipelineHandle, ports.KeyFrameRequestMethod) error {
	return f.call("RTP.SetKeyFrameRequestMethod")
}

type fakeCapture struct{ *engineRecorder }

func (f fakeCapture) Release() int { return f.release("Capture") }
func (f fakeCapture) Devices() ([]ports.CaptureDevice, error) {
	if err := f.call("Capture.Devices"); err != nil {
		return nil, err
	}
	return []ports.CaptureDevice{{Name: "test pattern", UniqueID: "fake:0"}}, nil
}
func (f fakeCapture) Allocate(string) (int, error) {
	if err := f.call("Capture.Allocate"); err != nil {
		return -1, err
	}
	return 1000, nil
}
func (f fakeCapture) Connect(int, domain.PipelineHandle) error { return f.call("Capture.Connect") }
func (f fakeCapture) Start(int) error                          { return f.call("Capture.Start") }
func (f fakeCapture) Stop(int) error                           { return f.call("Capture.Stop") }
func (f fakeCapture) Disconnect(domain.PipelineHandle) error   { return f.call("Capture.Disconnect") }
func (f fakeCapture) ReleaseDevice(int) error                  { return f.call("Capture.ReleaseDevice") }

type fakeRender struct{ *engineRecorder }

func (f fakeRender) Release() int { return f.release("Render") }
func (f fakeRender) AddRenderer(ports.RenderSource, string, int) error {
	return f.call("Render.AddRenderer")
}
func (f fakeRender) StartRender(ports.RenderSource) error { return f.call("Render.StartRender") }
func (f fakeRender) StopRender(ports.RenderSource) error  { return f.call("Render.StopRender") }
func (f fakeRender) RemoveRenderer(ports.RenderSource) error {
	return f.call("Render.RemoveRenderer")
}

// fakeTransport records the filter pushed by the controller.
type fakeTransport struct {
	mu      sync.Mutex
	filter  domain.RelayPolicy
	filters int
	delay   time.Duration
	loss    int
	stopped bool
	stopErr error
}

func (t *fakeTransport) SendRTP(domain.PipelineHandle, []byte) error  { return nil }
func (t *fakeTransport) SendRTCP(domain.PipelineHandle, []byte) error { return nil }
func (t *fakeTransport) SetSSRCFilter(p domain.RelayPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter = p
	t.filters++
}
func (t *fakeTransport) SetNetworkDelay(d time.Duration) { t.delay = d }
func (t *fakeTransport) SetPacketLoss(p int)             { t.loss = p }
func (t *fakeTransport) Stop(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return t.stopErr
}

func (t *fakeTransport) Filter() domain.RelayPolicy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filter
}
