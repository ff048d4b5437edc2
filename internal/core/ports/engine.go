package ports

import (
	"context"
	"time"

	"simulcastctl/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Releaser is implemented by every engine sub-interface. Release drops one
// reference and returns how many are still held.
type Releaser interface {
	Release() int
}

// BaseEngine manages pipeline (channel) lifecycle.
type BaseEngine interface {
	Releaser
	Init() error
	CreateSendPipeline() (domain.PipelineHandle, error)
	CreateReceivePipeline(send domain.PipelineHandle) (domain.PipelineHandle, error)
	DeletePipeline(p domain.PipelineHandle) error
	StartSend(p domain.PipelineHandle) error
	StopSend(p domain.PipelineHandle) error
	StartReceive(p domain.PipelineHandle) error
	StopReceive(p domain.PipelineHandle) error
}

// CodecEngine configures send and receive codecs.
type CodecEngine interface {
	Releaser
	Codecs() []webrtc.RTPCodecParameters
	SetSendCodec(p domain.PipelineHandle, codec webrtc.RTPCodecParameters, spec domain.StreamSpec) error
	SetReceiveCodec(p domain.PipelineHandle, codec webrtc.RTPCodecParameters) error
}

// NetworkEngine binds pipelines to an external transport and accepts the packets it delivers.
type NetworkEngine interface {
	Releaser
	RegisterSendTransport(p domain.PipelineHandle, t Transport) error
	ReceivedRTP(p domain.PipelineHandle, packet []byte) error
	ReceivedRTCP(p domain.PipelineHandle, packet []byte) error
}

type RTCPMode int

const (
	RTCPNone RTCPMode = iota
	RTCPCompound
	RTCPReducedSize
)

type KeyFrameRequestMethod int

const (
	KeyFrameRequestNone KeyFrameRequestMethod = iota
	KeyFrameRequestPLI
	KeyFrameRequestFIR
)

// RTPEngine controls RTP/RTCP behaviour and stream identity.
type RTPEngine interface {
	Releaser
	SetLocalSSRC(send domain.PipelineHandle, ssrc domain.StreamIdentifier, layerIndex int) error
	SetRTCPStatus(p domain.PipelineHandle, mode RTCPMode) error
	SetREMBStatus(p domain.PipelineHandle, sender, receiver bool) error
	SetKeyFrameRequestMethod(p domain.PipelineHandle, method KeyFrameRequestMethod) error
}

type CaptureDevice struct {
	Name     string
	UniqueID string
}

// CaptureEngine allocates and drives the capture source.
type CaptureEngine interface {
	Releaser
	Devices() ([]CaptureDevice, error)
	Allocate(uniqueID string) (int, error)
	Connect(captureID int, p domain.PipelineHandle) error
	Start(captureID int) error
	Stop(captureID int) error
	Disconnect(p domain.PipelineHandle) error
	ReleaseDevice(captureID int) error
}

// RenderSource is either a capture id or a pipeline handle.
type RenderSource int

// RenderEngine attaches render sinks to sources.
type RenderEngine interface {
	Releaser
	AddRenderer(src RenderSource, view string, zOrder int) error
	StartRender(src RenderSource) error
	StopRender(src RenderSource) error
	RemoveRenderer(src RenderSource) error
}

// MediaEngine bundles the collaborator interfaces of one engine instance.
type MediaEngine struct {
	Base    BaseEngine
	Codec   CodecEngine
	Network NetworkEngine
	RTP     RTPEngine
	Capture CaptureEngine
	Render  RenderEngine
}

// Transport is the external packet transport shared by all pipelines of a call.
type Transport interface {
	SendRTP(from domain.PipelineHandle, packet []byte) error
	SendRTCP(from domain.PipelineHandle, packet []byte) error
	SetSSRCFilter(policy domain.RelayPolicy)
	SetNetworkDelay(d time.Duration)
	SetPacketLoss(percent int)
	// Stop halts delivery and returns once no further packets will be routed.
	Stop(ctx context.Context) error
}
