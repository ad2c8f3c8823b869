package ffmpeg

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Invocation is a fully built transcoder command line.
type Invocation struct {
	Path        string
	Args        []string
	Passthrough bool
	Video       VideoRequest
}

func (inv Invocation) String() string {
	return inv.Path + " " + strings.Join(inv.Args, " ")
}

// args is an ordered list of command line tokens.
type args []string

func (a *args) add(tokens ...string) {
	*a = append(*a, tokens...)
}

func (a *args) addInt(flag string, v int) {
	a.add(flag, strconv.Itoa(v))
}

func (a *args) addKbps(flag string, v int) {
	a.add(flag, fmt.Sprintf("%dk", v))
}

const (
	defaultVideoPayloadType = 99
	defaultAudioPayloadType = 110
	defaultAudioBitrate     = 32
	defaultAudioSampleRate  = 16
)

// buildInvocation assembles the ffmpeg command that relays the upstream stream of s
// to the controller with the parameters of req.
func buildInvocation(cfg Config, s *session, req StartRequest) (Invocation, error) {
	if err := validateSession(s); err != nil {
		return Invocation{}, err
	}

	video := videoRequest(cfg, req.Video)
	passthrough := video.Width == cfg.NativeWidth && video.Height == cfg.NativeHeight

	var a args
	if isRTSP(s.url) {
		a.add("-rtsp_transport", "tcp")
	}
	if !passthrough && cfg.VideoDecoder != "" {
		a.add("-codec:v", cfg.VideoDecoder)
	}
	a.add("-re", "-i", s.url)

	// video
	a.add("-map", "0:v:0")
	if passthrough {
		a.add("-codec:v", "copy")
	} else {
		a.add("-codec:v", cfg.VideoEncoder, "-pix_fmt", "yuv420p")
	}
	a.addInt("-r", video.Framerate)
	if !passthrough {
		a.add("-vf", fmt.Sprintf("scale=%d:%d", video.Width, video.Height))
	}
	a.add(cfg.AdditionalVideoCommands...)
	a.addKbps("-b:v", video.Bitrate)
	// two seconds of rate control buffer
	a.addKbps("-bufsize", 2*video.Bitrate)
	a.addKbps("-maxrate", video.Bitrate)
	a.addInt("-payload_type", int(video.PayloadType))
	a.add("-ssrc", strconv.FormatUint(uint64(s.video.ssrc), 10))
	a.add(srtpOutput(s.address, s.video, cfg.PacketSize)...)

	// audio is optional per negotiation
	if s.audio != nil && req.Audio != nil {
		audio := audioRequest(req.Audio)

		a.add("-map", "0:a:0?")
		a.add("-codec:a", cfg.AudioEncoder)
		a.add(cfg.AdditionalAudioCommands...)
		a.add("-flags", "+global_header")
		a.add("-ar", fmt.Sprintf("%dk", audio.SampleRate))
		a.addKbps("-b:a", audio.Bitrate)
		a.addKbps("-bufsize", 2*audio.Bitrate)
		a.add("-ac", "1")
		a.addInt("-payload_type", int(audio.PayloadType))
		a.add("-ssrc", strconv.FormatUint(uint64(s.audio.ssrc), 10))
		a.add(srtpOutput(s.address, s.audio, cfg.PacketSize)...)
	}

	for i, t := range a {
		if t == "" {
			return Invocation{}, fmt.Errorf("%w: empty argument at position %d", ErrInvalidRequest, i)
		}
	}

	return Invocation{
		Path:        cfg.VideoProcessor,
		Args:        a,
		Passthrough: passthrough,
		Video:       video,
	}, nil
}

// srtpOutput returns the rtp muxer options and the srtp destination url.
func srtpOutput(address string, m *media, packetSize int) []string {
	port := int(m.port)
	dst := fmt.Sprintf("srtp://%s?rtcpport=%d&localrtcpport=%d&pkt_size=%d",
		net.JoinHostPort(address, strconv.Itoa(port)), port, port, packetSize)

	return []string{
		"-f", "rtp",
		"-srtp_out_suite", CryptoSuiteAES128.String(),
		"-srtp_out_params", m.srtpParams(),
		dst,
	}
}

// videoRequest clamps the requested parameters to the configured ceilings.
// Without a request the native stream is relayed.
func videoRequest(cfg Config, req *VideoRequest) VideoRequest {
	v := VideoRequest{
		Width:       cfg.NativeWidth,
		Height:      cfg.NativeHeight,
		Framerate:   cfg.MaxFramerate,
		Bitrate:     cfg.MaxBitrate,
		PayloadType: defaultVideoPayloadType,
	}
	if req == nil {
		return v
	}

	// the camera is never upscaled, larger requests get the native stream
	if req.Width > 0 && req.Height > 0 && req.Width <= v.Width && req.Height <= v.Height {
		v.Width, v.Height = req.Width, req.Height
	}
	if req.Framerate > 0 && req.Framerate < v.Framerate {
		v.Framerate = req.Framerate
	}
	if req.Bitrate > 0 && req.Bitrate < v.Bitrate {
		v.Bitrate = req.Bitrate
	}
	if req.PayloadType != 0 {
		v.PayloadType = req.PayloadType
	}

	return v
}

func audioRequest(req *AudioRequest) AudioRequest {
	a := AudioRequest{
		Bitrate:     defaultAudioBitrate,
		SampleRate:  defaultAudioSampleRate,
		PayloadType: defaultAudioPayloadType,
	}
	if req.Bitrate > 0 {
		a.Bitrate = req.Bitrate
	}
	if req.SampleRate > 0 {
		a.SampleRate = req.SampleRate
	}
	if req.PayloadType != 0 {
		a.PayloadType = req.PayloadType
	}

	return a
}

func validateSession(s *session) error {
	switch {
	case s.url == "":
		return fmt.Errorf("%w: missing stream url", ErrInvalidRequest)
	case s.address == "":
		return fmt.Errorf("%w: missing target address", ErrInvalidRequest)
	case s.video == nil:
		return fmt.Errorf("%w: missing video endpoint", ErrInvalidRequest)
	}

	for _, m := range []*media{s.video, s.audio} {
		if m == nil {
			continue
		}
		if m.suite != CryptoSuiteAES128 {
			return fmt.Errorf("%w: %s", ErrUnsupportedCryptoSuite, m.suite)
		}
		if m.port == 0 {
			return fmt.Errorf("%w: missing target port", ErrInvalidRequest)
		}
		if len(m.srtp) == 0 {
			return fmt.Errorf("%w: missing srtp key", ErrInvalidRequest)
		}
	}

	return nil
}

func isRTSP(locator string) bool {
	u, err := url.Parse(locator)
	if err != nil {
		return false
	}

	return u.Scheme == "rtsp" || u.Scheme == "rtsps"
}
