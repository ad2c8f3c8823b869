package hkcloudcam

import (
	"context"
	"errors"
	"image"
	"net"
	"sync"
	"time"

	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/log"
	"github.com/brutella/hc/rtp"
	"github.com/brutella/hc/service"
	"github.com/brutella/hc/tlv8"

	"github.com/ra1nb0w/hkcloudcam/ffmpeg"
)

// SnapshotTimeout bounds the upstream snapshot request of a HomeKit snapshot.
var SnapshotTimeout = 15 * time.Second

var errNoSnapshot = errors.New("no snapshot available")

// Streaming routes the requests of the HomeKit controllers to the stream manager.
type Streaming struct {
	ff          ffmpeg.FFMPEG
	controllers []*StreamController
}

// StreamController serves one camera rtp stream management service.
type StreamController struct {
	mgmt  *service.CameraRTPStreamManagement
	ff    ffmpeg.FFMPEG
	mutex *sync.Mutex
	// owners maps the sessions negotiated through this service to their connection
	owners map[ffmpeg.StreamID]*owner
}

type owner struct {
	conn    string
	started bool
}

// srtpParams is the srtp parameters tlv of a setup endpoints exchange.
// rtp.CryptoSuite does not decode the suite.
type srtpParams struct {
	Suite      byte   `tlv8:"1"`
	MasterKey  []byte `tlv8:"2"`
	MasterSalt []byte `tlv8:"3"`
}

type setupEndpoints struct {
	SessionId      []byte     `tlv8:"1"`
	ControllerAddr rtp.Addr   `tlv8:"3"`
	Video          srtpParams `tlv8:"4"`
	Audio          srtpParams `tlv8:"5"`
}

type setupEndpointsResponse struct {
	SessionId     []byte     `tlv8:"1"`
	Status        byte       `tlv8:"2"`
	AccessoryAddr rtp.Addr   `tlv8:"3"`
	Video         srtpParams `tlv8:"4"`
	Audio         srtpParams `tlv8:"5"`
	SsrcVideo     int32      `tlv8:"6"`
	SsrcAudio     int32      `tlv8:"7"`
}

// SetupFFMPEGStreaming configures the stream management services of cam.
func SetupFFMPEGStreaming(cam *Camera, ff ffmpeg.FFMPEG) *Streaming {
	s := &Streaming{ff: ff}
	for _, m := range cam.StreamManagement {
		s.controllers = append(s.controllers, newStreamController(m, ff))
	}

	return s
}

func newStreamController(m *service.CameraRTPStreamManagement, ff ffmpeg.FFMPEG) *StreamController {
	c := &StreamController{
		mgmt:   m,
		ff:     ff,
		mutex:  &sync.Mutex{},
		owners: make(map[ffmpeg.StreamID]*owner),
	}

	c.setStatus(rtp.StreamingStatusAvailable)
	setTLV8Payload(m.SupportedRTPConfiguration.Bytes, rtp.NewConfiguration(rtp.CryptoSuite_AES_CM_128_HMAC_SHA1_80))
	setTLV8Payload(m.SupportedVideoStreamConfiguration.Bytes, rtp.DefaultVideoStreamConfiguration())
	setTLV8Payload(m.SupportedAudioStreamConfiguration.Bytes, rtp.DefaultAudioStreamConfiguration())

	m.SetupEndpoints.OnValueUpdateFromConn(func(conn net.Conn, _ *characteristic.Characteristic, _, _ interface{}) {
		key := ""
		if conn != nil {
			key = conn.RemoteAddr().String()
		}
		if resp, ok := c.handleSetupEndpoints(key, m.SetupEndpoints.GetValue()); ok {
			m.SetupEndpoints.SetValue(resp)
		}
	})

	m.SelectedRTPStreamConfiguration.OnValueRemoteUpdate(func(buf []byte) {
		c.handleSelectedConfiguration(buf)
	})

	return c
}

// handleSetupEndpoints negotiates a new stream and returns the tlv8 encoded response.
func (c *StreamController) handleSetupEndpoints(conn string, buf []byte) ([]byte, bool) {
	var req setupEndpoints
	if err := tlv8.Unmarshal(buf, &req); err != nil {
		log.Info.Printf("setup endpoints: %v", err)
		return nil, false
	}

	resp := c.prepare(conn, req)
	b, err := tlv8.Marshal(resp)
	if err != nil {
		log.Info.Printf("setup endpoints: %v", err)
		return nil, false
	}

	return b, true
}

func (c *StreamController) prepare(conn string, req setupEndpoints) setupEndpointsResponse {
	id := ffmpeg.NewStreamID(req.SessionId)
	addr := req.ControllerAddr

	preq := ffmpeg.PrepareRequest{
		ID:            id,
		TargetAddress: addr.IPAddr,
		IPv6:          addr.IPVersion == rtp.IPAddrVersionv6,
		Video:         endpoint(addr.VideoRtpPort, req.Video),
		Audio:         endpoint(addr.AudioRtpPort, req.Audio),
	}

	resp := setupEndpointsResponse{
		SessionId: req.SessionId,
		Status:    rtp.SessionStatusError,
		Video:     req.Video,
		Audio:     req.Audio,
	}

	c.prune()

	presp, err := c.ff.PrepareNewStream(context.Background(), preq)
	switch {
	case errors.Is(err, ffmpeg.ErrTooManyStreams):
		resp.Status = rtp.SessionStatusBusy
		return resp
	case err != nil:
		log.Info.Printf("prepare %s: %v", id, err)
		return resp
	}

	resp.Status = rtp.SessionStatusSuccess
	resp.AccessoryAddr = rtp.Addr{
		IPVersion: rtp.IPAddrVersionv4,
		IPAddr:    presp.Address.String(),
	}
	if presp.AddressType() == "v6" {
		resp.AccessoryAddr.IPVersion = rtp.IPAddrVersionv6
	}
	if presp.Video != nil {
		resp.AccessoryAddr.VideoRtpPort = presp.Video.Port
		resp.SsrcVideo = int32(presp.Video.SSRC)
	}
	if presp.Audio != nil {
		resp.AccessoryAddr.AudioRtpPort = presp.Audio.Port
		resp.SsrcAudio = int32(presp.Audio.SSRC)
	}

	c.mutex.Lock()
	if o, ok := c.owners[id]; ok {
		o.conn = conn
	} else {
		c.owners[id] = &owner{conn: conn}
	}
	c.mutex.Unlock()

	return resp
}

// endpoint returns nil when the medium was not negotiated.
func endpoint(port uint16, p srtpParams) *ffmpeg.Endpoint {
	if port == 0 || len(p.MasterKey) == 0 {
		return nil
	}

	return &ffmpeg.Endpoint{
		Port:        port,
		CryptoSuite: ffmpeg.CryptoSuite(p.Suite),
		Key:         p.MasterKey,
		Salt:        p.MasterSalt,
	}
}

func (c *StreamController) handleSelectedConfiguration(buf []byte) {
	var cfg rtp.StreamConfiguration
	if err := tlv8.Unmarshal(buf, &cfg); err != nil {
		log.Info.Printf("selected stream configuration: %v", err)
		return
	}

	id := ffmpeg.NewStreamID(cfg.Command.Identifier)
	switch cfg.Command.Type {
	case rtp.SessionControlCommandTypeEnd:
		c.ff.Stop(id)
		c.release(id)
	case rtp.SessionControlCommandTypeStart:
		if err := c.ff.Start(id, startRequest(cfg)); err != nil {
			log.Info.Printf("start %s: %v", id, err)
			c.release(id)
			return
		}
		c.started(id)
	case rtp.SessionControlCommandTypeSuspend:
		c.ff.Suspend(id)
	case rtp.SessionControlCommandTypeResume:
		c.ff.Resume(id)
	case rtp.SessionControlCommandTypeReconfigure:
		if err := c.ff.Reconfigure(id, startRequest(cfg)); err != nil {
			log.Info.Printf("reconfigure %s: %v", id, err)
		}
	default:
		log.Debug.Printf("unknown command type %d", cfg.Command.Type)
	}
}

func startRequest(cfg rtp.StreamConfiguration) ffmpeg.StartRequest {
	req := ffmpeg.StartRequest{
		Video: &ffmpeg.VideoRequest{
			Width:       int(cfg.Video.Attributes.Width),
			Height:      int(cfg.Video.Attributes.Height),
			Framerate:   int(cfg.Video.Attributes.Framerate),
			Bitrate:     int(cfg.Video.RTP.Bitrate),
			PayloadType: cfg.Video.RTP.PayloadType,
		},
	}

	if cfg.Audio.RTP.PayloadType != 0 {
		req.Audio = &ffmpeg.AudioRequest{
			Bitrate:     int(cfg.Audio.RTP.Bitrate),
			SampleRate:  sampleRate(cfg.Audio.CodecParams.Samplerate),
			PayloadType: cfg.Audio.RTP.PayloadType,
		}
	}

	return req
}

// sampleRate returns the sample rate in kHz.
func sampleRate(rate byte) int {
	switch rate {
	case rtp.AudioCodecSampleRate8Khz:
		return 8
	case rtp.AudioCodecSampleRate24Khz:
		return 24
	}

	return 16
}

// started marks the stream as busy when the session is running.
func (c *StreamController) started(id ffmpeg.StreamID) {
	active := false
	for _, s := range c.ff.Sessions() {
		if s.ID == id && s.State == ffmpeg.StateActive {
			active = true
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	o, ok := c.owners[id]
	if !ok || !active {
		return
	}
	o.started = true
	c.updateStatus()
}

// release forgets the session and resets the streaming status.
// It reports whether the session was served by this controller.
func (c *StreamController) release(id ffmpeg.StreamID) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.owners[id]; !ok {
		return false
	}
	delete(c.owners, id)
	c.updateStatus()

	return true
}

// prune forgets the sessions the manager does not know anymore.
func (c *StreamController) prune() {
	known := make(map[ffmpeg.StreamID]bool)
	for _, s := range c.ff.Sessions() {
		known[s.ID] = true
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id := range c.owners {
		if !known[id] {
			delete(c.owners, id)
		}
	}
	c.updateStatus()
}

// updateStatus must be called with the mutex held.
func (c *StreamController) updateStatus() {
	for _, o := range c.owners {
		if o.started {
			c.setStatus(rtp.StreamingStatusBusy)
			return
		}
	}
	c.setStatus(rtp.StreamingStatusAvailable)
}

func (c *StreamController) setStatus(status byte) {
	setTLV8Payload(c.mgmt.StreamingStatus.Bytes, rtp.StreamingStatus{Status: status})
}

// ForceStop resets the controller serving the stream after the process died.
func (s *Streaming) ForceStop(id ffmpeg.StreamID) {
	for _, c := range s.controllers {
		if c.release(id) {
			log.Info.Printf("stream %s was stopped", id)
		}
	}
}

// CloseConnection stops every stream negotiated through the connection.
// The hap transport has no hook for closed connections, so it is called
// by the backend route DELETE /connections/{conn}.
func (s *Streaming) CloseConnection(conn string) {
	for _, c := range s.controllers {
		c.closeConnection(conn)
	}
}

func (c *StreamController) closeConnection(conn string) {
	c.mutex.Lock()
	var ids []ffmpeg.StreamID
	for id, o := range c.owners {
		if o.conn == conn {
			ids = append(ids, id)
		}
	}
	c.mutex.Unlock()

	for _, id := range ids {
		log.Debug.Printf("connection %s closed, stopping stream %s", conn, id)
		c.ff.Stop(id)
		c.release(id)
	}
}

// Snapshot returns a snapshot scaled to width. When the upstream
// request is skipped the last snapshot is served.
func (s *Streaming) Snapshot(width, height uint) (*image.Image, error) {
	ctx, cancel := context.WithTimeout(context.Background(), SnapshotTimeout)
	defer cancel()

	img, err := s.ff.Snapshot(ctx, width, height)
	if err != nil || img != nil {
		return img, err
	}

	data, _ := s.ff.LastSnapshot()
	if len(data) == 0 {
		return nil, errNoSnapshot
	}

	return ffmpeg.Scale(data, width, height)
}

func setTLV8Payload(c *characteristic.Bytes, v interface{}) {
	b, err := tlv8.Marshal(v)
	if err != nil {
		log.Info.Println(err)
		return
	}

	c.SetValue(b)
}
