package hkcloudcam

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/rtp"
	"github.com/brutella/hc/tlv8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ra1nb0w/hkcloudcam/device"
	"github.com/ra1nb0w/hkcloudcam/ffmpeg"
)

type fakeFFMPEG struct {
	mutex      sync.Mutex
	prepareErr error
	startErr   error
	prepared   []ffmpeg.PrepareRequest
	started    map[ffmpeg.StreamID]ffmpeg.StartRequest
	pending    map[ffmpeg.StreamID]bool
	stopped    []ffmpeg.StreamID
	suspended  []ffmpeg.StreamID
	resumed    []ffmpeg.StreamID
	reconfig   []ffmpeg.StreamID
	snapshot   *image.Image
	last       []byte
}

func newFakeFFMPEG() *fakeFFMPEG {
	return &fakeFFMPEG{
		started: make(map[ffmpeg.StreamID]ffmpeg.StartRequest),
		pending: make(map[ffmpeg.StreamID]bool),
	}
}

func (f *fakeFFMPEG) PrepareNewStream(ctx context.Context, req ffmpeg.PrepareRequest) (ffmpeg.PrepareResponse, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.prepareErr != nil {
		return ffmpeg.PrepareResponse{}, f.prepareErr
	}
	f.prepared = append(f.prepared, req)
	f.pending[req.ID] = true

	resp := ffmpeg.PrepareResponse{Address: net.ParseIP("10.0.0.2")}
	if req.Video != nil {
		resp.Video = &ffmpeg.MediaResponse{Port: req.Video.Port, SSRC: 1234, Key: req.Video.Key, Salt: req.Video.Salt}
	}
	if req.Audio != nil {
		resp.Audio = &ffmpeg.MediaResponse{Port: req.Audio.Port, SSRC: 5678, Key: req.Audio.Key, Salt: req.Audio.Salt}
	}

	return resp, nil
}

func (f *fakeFFMPEG) Start(id ffmpeg.StreamID, req ffmpeg.StartRequest) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.pending[id] {
		return nil
	}
	delete(f.pending, id)
	if f.startErr != nil {
		return f.startErr
	}
	f.started[id] = req

	return nil
}

func (f *fakeFFMPEG) Stop(id ffmpeg.StreamID) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	delete(f.started, id)
	f.stopped = append(f.stopped, id)
}

func (f *fakeFFMPEG) Suspend(id ffmpeg.StreamID) { f.suspended = append(f.suspended, id) }
func (f *fakeFFMPEG) Resume(id ffmpeg.StreamID)  { f.resumed = append(f.resumed, id) }

func (f *fakeFFMPEG) Reconfigure(id ffmpeg.StreamID, req ffmpeg.StartRequest) error {
	f.reconfig = append(f.reconfig, id)
	return nil
}

func (f *fakeFFMPEG) ActiveStreams() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return len(f.started)
}

func (f *fakeFFMPEG) Sessions() []ffmpeg.SessionInfo {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var all []ffmpeg.SessionInfo
	for id := range f.pending {
		all = append(all, ffmpeg.SessionInfo{ID: id, State: ffmpeg.StatePending})
	}
	for id := range f.started {
		all = append(all, ffmpeg.SessionInfo{ID: id, State: ffmpeg.StateActive})
	}

	return all
}

func (f *fakeFFMPEG) Snapshot(ctx context.Context, width, height uint) (*image.Image, error) {
	return f.snapshot, nil
}

func (f *fakeFFMPEG) LastSnapshot() ([]byte, time.Time) { return f.last, time.Now() }
func (f *fakeFFMPEG) SetConfig(ffmpeg.Config) error     { return nil }
func (f *fakeFFMPEG) StopAll()                          {}

var sessionID = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

func newTestStreaming(t *testing.T, ff ffmpeg.FFMPEG) (*Streaming, *Camera) {
	t.Helper()

	cam := NewCamera(accessory.Info{Name: "Camera"}, Capabilities{Camera: true}, 2)
	return SetupFFMPEGStreaming(cam, ff), cam
}

func setupRequest(t *testing.T, audio bool, suite byte) []byte {
	t.Helper()

	req := setupEndpoints{
		SessionId: sessionID,
		ControllerAddr: rtp.Addr{
			IPVersion:    rtp.IPAddrVersionv4,
			IPAddr:       "10.0.0.5",
			VideoRtpPort: 51000,
		},
		Video: srtpParams{
			Suite:      suite,
			MasterKey:  bytes.Repeat([]byte{1}, 16),
			MasterSalt: bytes.Repeat([]byte{2}, 14),
		},
		Audio: srtpParams{Suite: rtp.CryptoSuiteNone},
	}
	if audio {
		req.ControllerAddr.AudioRtpPort = 51002
		req.Audio = srtpParams{
			Suite:      suite,
			MasterKey:  bytes.Repeat([]byte{3}, 16),
			MasterSalt: bytes.Repeat([]byte{4}, 14),
		}
	}

	b, err := tlv8.Marshal(req)
	require.NoError(t, err)

	return b
}

func streamCommand(t *testing.T, typ byte) []byte {
	t.Helper()

	cfg := rtp.StreamConfiguration{
		Command: rtp.SessionControlCommand{Identifier: sessionID, Type: typ},
	}
	cfg.Video.Attributes = rtp.VideoCodecAttributes{Width: 640, Height: 360, Framerate: 30}
	cfg.Video.RTP = rtp.RTPParams{PayloadType: 99, Bitrate: 299}
	cfg.Audio.CodecParams.Samplerate = rtp.AudioCodecSampleRate24Khz
	cfg.Audio.RTP = rtp.RTPParams{PayloadType: 110, Bitrate: 24}

	b, err := tlv8.Marshal(cfg)
	require.NoError(t, err)

	return b
}

func streamingStatus(t *testing.T, c *StreamController) byte {
	t.Helper()

	var st rtp.StreamingStatus
	require.NoError(t, tlv8.Unmarshal(c.mgmt.StreamingStatus.GetValue(), &st))

	return st.Status
}

func TestSetupEndpoints(t *testing.T) {
	ff := newFakeFFMPEG()
	s, _ := newTestStreaming(t, ff)
	c := s.controllers[0]

	b, ok := c.handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, true, rtp.CryptoSuite_AES_CM_128_HMAC_SHA1_80))
	require.True(t, ok)

	var resp setupEndpointsResponse
	require.NoError(t, tlv8.Unmarshal(b, &resp))
	assert.Equal(t, byte(rtp.SessionStatusSuccess), resp.Status)
	assert.Equal(t, sessionID, resp.SessionId)
	assert.Equal(t, rtp.IPAddrVersionv4, resp.AccessoryAddr.IPVersion)
	assert.Equal(t, "10.0.0.2", resp.AccessoryAddr.IPAddr)
	assert.Equal(t, uint16(51000), resp.AccessoryAddr.VideoRtpPort)
	assert.Equal(t, uint16(51002), resp.AccessoryAddr.AudioRtpPort)
	assert.Equal(t, int32(1234), resp.SsrcVideo)
	assert.Equal(t, int32(5678), resp.SsrcAudio)

	require.Len(t, ff.prepared, 1)
	req := ff.prepared[0]
	assert.Equal(t, ffmpeg.NewStreamID(sessionID), req.ID)
	assert.Equal(t, "10.0.0.5", req.TargetAddress)
	assert.False(t, req.IPv6)
	require.NotNil(t, req.Video)
	assert.Equal(t, ffmpeg.CryptoSuiteAES128, req.Video.CryptoSuite)
	assert.Equal(t, bytes.Repeat([]byte{1}, 16), req.Video.Key)
	require.NotNil(t, req.Audio)
	assert.Equal(t, ffmpeg.CryptoSuiteAES128, req.Audio.CryptoSuite)
}

func TestSetupEndpointsWithoutAudio(t *testing.T) {
	ff := newFakeFFMPEG()
	s, _ := newTestStreaming(t, ff)

	_, ok := s.controllers[0].handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, false, rtp.CryptoSuite_AES_CM_128_HMAC_SHA1_80))
	require.True(t, ok)
	require.Len(t, ff.prepared, 1)
	assert.Nil(t, ff.prepared[0].Audio)
}

func TestSetupEndpointsStatus(t *testing.T) {
	tests := []struct {
		err    error
		status byte
	}{
		{ffmpeg.ErrTooManyStreams, rtp.SessionStatusBusy},
		{ffmpeg.ErrUpstreamUnavailable, rtp.SessionStatusError},
	}

	for _, test := range tests {
		ff := newFakeFFMPEG()
		ff.prepareErr = test.err
		s, _ := newTestStreaming(t, ff)

		b, ok := s.controllers[0].handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, false, rtp.CryptoSuite_AES_CM_128_HMAC_SHA1_80))
		require.True(t, ok)

		var resp setupEndpointsResponse
		require.NoError(t, tlv8.Unmarshal(b, &resp))
		assert.Equal(t, test.status, resp.Status, test.err.Error())
	}
}

func TestStreamLifecycle(t *testing.T) {
	ff := newFakeFFMPEG()
	s, _ := newTestStreaming(t, ff)
	c := s.controllers[0]
	id := ffmpeg.NewStreamID(sessionID)

	_, ok := c.handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, true, rtp.CryptoSuite_AES_CM_128_HMAC_SHA1_80))
	require.True(t, ok)
	assert.Equal(t, byte(rtp.StreamingStatusAvailable), streamingStatus(t, c))

	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeStart))
	require.Contains(t, ff.started, id)
	req := ff.started[id]
	assert.Equal(t, 640, req.Video.Width)
	assert.Equal(t, 299, req.Video.Bitrate)
	require.NotNil(t, req.Audio)
	assert.Equal(t, 24, req.Audio.SampleRate)
	assert.Equal(t, byte(rtp.StreamingStatusBusy), streamingStatus(t, c))

	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeSuspend))
	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeResume))
	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeReconfigure))
	assert.Equal(t, []ffmpeg.StreamID{id}, ff.suspended)
	assert.Equal(t, []ffmpeg.StreamID{id}, ff.resumed)
	assert.Equal(t, []ffmpeg.StreamID{id}, ff.reconfig)

	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeEnd))
	assert.Equal(t, []ffmpeg.StreamID{id}, ff.stopped)
	assert.Equal(t, byte(rtp.StreamingStatusAvailable), streamingStatus(t, c))
}

func TestStartWithoutPrepare(t *testing.T) {
	ff := newFakeFFMPEG()
	s, _ := newTestStreaming(t, ff)
	c := s.controllers[0]

	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeStart))
	assert.Empty(t, ff.started)
	assert.Equal(t, byte(rtp.StreamingStatusAvailable), streamingStatus(t, c))
}

func TestForceStop(t *testing.T) {
	ff := newFakeFFMPEG()
	s, _ := newTestStreaming(t, ff)
	c := s.controllers[1]

	_, ok := c.handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, false, rtp.CryptoSuite_AES_CM_128_HMAC_SHA1_80))
	require.True(t, ok)
	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeStart))
	require.Equal(t, byte(rtp.StreamingStatusBusy), streamingStatus(t, c))

	s.ForceStop(ffmpeg.NewStreamID(sessionID))
	assert.Equal(t, byte(rtp.StreamingStatusAvailable), streamingStatus(t, c))
	assert.Empty(t, c.owners)
}

func TestCloseConnection(t *testing.T) {
	ff := newFakeFFMPEG()
	s, _ := newTestStreaming(t, ff)
	c := s.controllers[0]
	id := ffmpeg.NewStreamID(sessionID)

	_, ok := c.handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, false, rtp.CryptoSuite_AES_CM_128_HMAC_SHA1_80))
	require.True(t, ok)
	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeStart))

	s.CloseConnection("10.0.0.6:4000")
	assert.Empty(t, ff.stopped)

	s.CloseConnection("10.0.0.5:4000")
	assert.Equal(t, []ffmpeg.StreamID{id}, ff.stopped)
	assert.Equal(t, byte(rtp.StreamingStatusAvailable), streamingStatus(t, c))
}

func TestUnsupportedCryptoSuite(t *testing.T) {
	cam := device.New(device.Config{ID: "cam", StreamURL: "rtsp://cam.example/live"})
	ff, err := ffmpeg.New(ffmpeg.DefaultConfig(), cam,
		ffmpeg.WithAddrResolver(func(string, bool) (net.IP, error) {
			return net.ParseIP("10.0.0.2"), nil
		}))
	require.NoError(t, err)
	t.Cleanup(ff.StopAll)

	s, _ := newTestStreaming(t, ff)
	c := s.controllers[0]
	id := ffmpeg.NewStreamID(sessionID)

	b, ok := c.handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, false, rtp.CryptoSuite_AES_256_CM_HMAC_SHA1_80))
	require.True(t, ok)

	var resp setupEndpointsResponse
	require.NoError(t, tlv8.Unmarshal(b, &resp))
	assert.Equal(t, rtp.SessionStatusSuccess, resp.Status)
	assert.Equal(t, byte(rtp.CryptoSuite_AES_256_CM_HMAC_SHA1_80), resp.Video.Suite)
	require.Contains(t, c.owners, id)

	c.handleSelectedConfiguration(streamCommand(t, rtp.SessionControlCommandTypeStart))
	assert.NotContains(t, c.owners, id)
	assert.Equal(t, 0, ff.ActiveStreams())
	assert.Equal(t, byte(rtp.StreamingStatusAvailable), streamingStatus(t, c))

	_, ok = c.handleSetupEndpoints("10.0.0.5:4000", setupRequest(t, false, rtp.CryptoSuite_AES_256_CM_HMAC_SHA1_80))
	require.True(t, ok)
	assert.ErrorIs(t, ff.Start(id, ffmpeg.StartRequest{}), ffmpeg.ErrUnsupportedCryptoSuite)
	assert.Equal(t, 0, ff.ActiveStreams())
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	return buf.Bytes()
}

func TestSnapshotServesLast(t *testing.T) {
	ff := newFakeFFMPEG()
	s, _ := newTestStreaming(t, ff)

	_, err := s.Snapshot(640, 360)
	assert.ErrorIs(t, err, errNoSnapshot)

	ff.last = testJPEG(t, 1280, 720)
	img, err := s.Snapshot(640, 360)
	require.NoError(t, err)
	assert.Equal(t, 640, (*img).Bounds().Dx())
	assert.Equal(t, 360, (*img).Bounds().Dy())
}
