package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingTransport keeps every packet handed to it.
type recordingTransport struct {
	mu   sync.Mutex
	rtp  [][]byte
	rtcp [][]byte
	from []domain.PipelineHandle
}

func (t *recordingTransport) SendRTP(from domain.PipelineHandle, packet []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtp = append(t.rtp, append([]byte(nil), packet...))
	t.from = append(t.from, from)
	return nil
}

func (t *recordingTransport) SendRTCP(_ domain.PipelineHandle, packet []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtcp = append(t.rtcp, append([]byte(nil), packet...))
	return nil
}

func (t *recordingTransport) SetSSRCFilter(domain.RelayPolicy) {}
func (t *recordingTransport) SetNetworkDelay(time.Duration)    {}
func (t *recordingTransport) SetPacketLoss(int)                {}
func (t *recordingTransport) Stop(context.Context) error       { return nil }

type callFixture struct {
	eng       *Engine
	media     ports.MediaEngine
	send      domain.PipelineHandle
	receivers []domain.PipelineHandle
	capture   int
	transport *recordingTransport
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FrameRate = 0
	cfg.REMBInterval = 2
	eng, err := Open(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func vp8() webrtc.RTPCodecParameters {
	return SupportedCodecs()[0]
}

func newCall(t *testing.T, spec domain.StreamSpec) *callFixture {
	t.Helper()
	eng := newEngine(t)
	m := eng.MediaEngine()
	f := &callFixture{eng: eng, media: m, transport: &recordingTransport{}}

	require.NoError(t, m.Base.Init())
	send, err := m.Base.CreateSendPipeline()
	require.NoError(t, err)
	f.send = send
	for i := 0; i < domain.MaxStreams; i++ {
		p, err := m.Base.CreateReceivePipeline(send)
		require.NoError(t, err)
		f.receivers = append(f.receivers, p)
		require.NoError(t, m.RTP.SetRTCPStatus(p, ports.RTCPCompound))
		require.NoError(t, m.RTP.SetREMBStatus(p, false, true))
		require.NoError(t, m.RTP.SetKeyFrameRequestMethod(p, ports.KeyFrameRequestPLI))
		require.NoError(t, m.Codec.SetReceiveCodec(p, vp8()))
		require.NoError(t, m.Network.RegisterSendTransport(p, f.transport))
		require.NoError(t, m.Base.StartReceive(p))
	}
	require.NoError(t, m.RTP.SetREMBStatus(send, true, false))

	require.NoError(t, m.Codec.SetSendCodec(send, vp8(), spec))
	for idx := 0; idx < spec.ActiveLayerCount(); idx++ {
		require.NoError(t, m.RTP.SetLocalSSRC(send, domain.StreamIdentifier(idx+1), idx))
	}
	require.NoError(t, m.Network.RegisterSendTransport(send, f.transport))
	require.NoError(t, m.Base.StartSend(send))

	devices, err := m.Capture.Devices()
	require.NoError(t, err)
	require.NotEmpty(t, devices)
	f.capture, err = m.Capture.Allocate(devices[0].UniqueID)
	require.NoError(t, err)
	require.NoError(t, m.Capture.Connect(f.capture, send))
	require.NoError(t, m.Capture.Start(f.capture))
	return f
}

func decodeRTP(t *testing.T, raw []byte) rtp.Packet {
	t.Helper()
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(raw))
	return pkt
}

func TestEngine_EmitFrameSendsOnePacketPerLayer(t *testing.T) {
	f := newCall(t, domain.Simulcast(domain.DefaultQPMax))

	n, err := f.eng.EmitFrame(f.capture)

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, f.transport.rtp, 3)
	for i, raw := range f.transport.rtp {
		pkt := decodeRTP(t, raw)
		assert.Equal(t, uint32(i+1), pkt.SSRC)
		assert.Equal(t, uint8(PayloadTypeVP8), pkt.PayloadType)
		assert.Equal(t, f.send, f.transport.from[i])
	}
	stats, ok := f.eng.Stats(f.send)
	require.True(t, ok)
	assert.Equal(t, uint64(3), stats.PacketsSent)
	assert.Equal(t, uint64(1), stats.KeyFramesSent)
}

func TestEngine_SingleStreamSendsOneIdentifier(t *testing.T) {
	f := newCall(t, domain.Simulcast(domain.DefaultQPMax).Toggled())

	n, err := f.eng.EmitFrame(f.capture)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint32(1), decodeRTP(t, f.transport.rtp[0]).SSRC)
}

func TestEngine_ReceiverRequestsKeyFrameOnce(t *testing.T) {
	f := newCall(t, domain.Simulcast(domain.DefaultQPMax))
	_, err := f.eng.EmitFrame(f.capture)
	require.NoError(t, err)
	receiver := f.receivers[2]
	packet := f.transport.rtp[2]

	require.NoError(t, f.media.Network.ReceivedRTP(receiver, packet))

	require.Len(t, f.transport.rtcp, 1)
	fb, err := rtcp.Unmarshal(f.transport.rtcp[0])
	require.NoError(t, err)
	require.Len(t, fb, 2)
	assert.IsType(t, &rtcp.ReceiverReport{}, fb[0])
	pli, ok := fb[1].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(3), pli.MediaSSRC)

	require.NoError(t, f.media.Network.ReceivedRTCP(receiver, f.transport.rtcp[0]))
	stats, _ := f.eng.Stats(f.send)
	assert.Equal(t, uint64(1), stats.KeyFrameRequests)
	assert.Equal(t, uint64(1), stats.ReceiverReports)

	// second packet: REMB is due (interval 2), no new PLI
	require.NoError(t, f.media.Network.ReceivedRTP(receiver, packet))
	require.Len(t, f.transport.rtcp, 2)
	fb, err = rtcp.Unmarshal(f.transport.rtcp[1])
	require.NoError(t, err)
	require.Len(t, fb, 2)
	remb, ok := fb[1].(*rtcp.ReceiverEstimatedMaximumBitrate)
	require.True(t, ok)
	assert.Equal(t, float32(1800*1000), remb.Bitrate)

	require.NoError(t, f.media.Network.ReceivedRTCP(receiver, f.transport.rtcp[1]))
	stats, _ = f.eng.Stats(f.send)
	assert.Equal(t, float32(1800*1000), stats.REMBBitrate)

	rstats, _ := f.eng.Stats(receiver)
	assert.Equal(t, uint64(2), rstats.PacketsReceived)
	assert.Equal(t, uint64(2), rstats.BySSRC[3])
}

func TestEngine_ReceiveRejectsWhenStopped(t *testing.T) {
	f := newCall(t, domain.Simulcast(domain.DefaultQPMax))
	_, err := f.eng.EmitFrame(f.capture)
	require.NoError(t, err)
	require.NoError(t, f.media.Base.StopReceive(f.receivers[0]))

	err = f.media.Network.ReceivedRTP(f.receivers[0], f.transport.rtp[0])

	assert.ErrorIs(t, err, ErrNotReceiving)
}

func TestEngine_ReceiveRejectsMalformedPacket(t *testing.T) {
	f := newCall(t, domain.Simulcast(domain.DefaultQPMax))

	assert.Error(t, f.media.Network.ReceivedRTP(f.receivers[0], []byte{0x01}))
	assert.Error(t, f.media.Network.ReceivedRTCP(f.receivers[0], []byte{0x01}))
}

func TestEngine_PipelineLifecycleErrors(t *testing.T) {
	eng := newEngine(t)
	m := eng.MediaEngine()

	_, err := m.Base.CreateSendPipeline()
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Base.Init())
	send, err := m.Base.CreateSendPipeline()
	require.NoError(t, err)
	recv, err := m.Base.CreateReceivePipeline(send)
	require.NoError(t, err)

	_, err = m.Base.CreateReceivePipeline(recv)
	assert.ErrorIs(t, err, ErrNotSendPipeline)
	assert.ErrorIs(t, m.Base.StartSend(send), ErrNoTransport)
	assert.ErrorIs(t, m.Base.StopSend(send), ErrNotRunning)
	assert.ErrorIs(t, m.Base.StopReceive(recv), ErrNotRunning)

	red := SupportedCodecs()[1]
	assert.ErrorIs(t, m.Codec.SetSendCodec(send, red, domain.Simulcast(domain.DefaultQPMax)), ErrUnsupportedCodec)
	assert.Error(t, m.Codec.SetSendCodec(send, vp8(), domain.StreamSpec{}))
	assert.Error(t, m.RTP.SetLocalSSRC(send, 1, domain.MaxStreams))
	assert.ErrorIs(t, m.RTP.SetLocalSSRC(send, 0, 0), domain.ErrInvalidIdentifier)

	require.NoError(t, m.Base.DeletePipeline(recv))
	assert.ErrorIs(t, m.Base.DeletePipeline(recv), ErrUnknownPipeline)
	assert.Equal(t, 1, eng.PipelineCount())
}

func TestEngine_CaptureDeviceIsExclusive(t *testing.T) {
	eng := newEngine(t)
	m := eng.MediaEngine()
	devices, err := m.Capture.Devices()
	require.NoError(t, err)

	id, err := m.Capture.Allocate(devices[0].UniqueID)
	require.NoError(t, err)
	_, err = m.Capture.Allocate(devices[0].UniqueID)
	assert.ErrorIs(t, err, ErrDeviceBusy)
	_, err = m.Capture.Allocate("missing")
	assert.ErrorIs(t, err, ErrUnknownCapture)

	require.NoError(t, m.Capture.ReleaseDevice(id))
	_, err = m.Capture.Allocate(devices[0].UniqueID)
	assert.NoError(t, err)
}

func TestEngine_RenderSources(t *testing.T) {
	f := newCall(t, domain.Simulcast(domain.DefaultQPMax))
	m := f.media

	require.NoError(t, m.Render.AddRenderer(ports.RenderSource(f.capture), "main", 0))
	require.NoError(t, m.Render.StartRender(ports.RenderSource(f.capture)))
	assert.True(t, f.eng.Rendering(ports.RenderSource(f.capture)))
	assert.ErrorIs(t, m.Render.AddRenderer(ports.RenderSource(f.capture), "again", 1), ErrAlreadyRunning)
	assert.ErrorIs(t, m.Render.AddRenderer(ports.RenderSource(999), "none", 1), ErrUnknownRenderer)

	require.NoError(t, m.Render.StopRender(ports.RenderSource(f.capture)))
	require.NoError(t, m.Render.RemoveRenderer(ports.RenderSource(f.capture)))
	assert.False(t, f.eng.Rendering(ports.RenderSource(f.capture)))
}

func TestEngine_ReleaseCounting(t *testing.T) {
	eng := newEngine(t)
	m := eng.MediaEngine()

	eng.Retain()
	assert.Equal(t, 1, m.Codec.Release())
	assert.Equal(t, 0, m.Codec.Release())
	assert.Equal(t, 0, m.Codec.Release())
	assert.Equal(t, 1, m.Base.Release())
}

func TestEngine_ClosedRejectsCalls(t *testing.T) {
	eng := newEngine(t)
	m := eng.MediaEngine()
	require.NoError(t, eng.Close())

	assert.ErrorIs(t, m.Base.Init(), ErrClosed)
	_, err := m.Capture.Devices()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, eng.Close())
}
