package ffmpeg

import (
	"encoding/base64"
	"encoding/hex"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamID is the type of the stream identifier
type StreamID string

// NewStreamID returns the canonical form of a session identifier sent by the controller.
func NewStreamID(b []byte) StreamID {
	if id, err := uuid.FromBytes(b); err == nil {
		return StreamID(id.String())
	}

	return StreamID(hex.EncodeToString(b))
}

// CryptoSuite identifies the SRTP cipher negotiated for a medium.
// The values match the HomeKit encoding.
type CryptoSuite byte

const (
	CryptoSuiteAES128 CryptoSuite = 0 // AES_CM_128_HMAC_SHA1_80
	CryptoSuiteAES256 CryptoSuite = 1 // AES_256_CM_HMAC_SHA1_80
	CryptoSuiteNone   CryptoSuite = 2
)

func (c CryptoSuite) String() string {
	switch c {
	case CryptoSuiteAES128:
		return "AES_CM_128_HMAC_SHA1_80"
	case CryptoSuiteAES256:
		return "AES_256_CM_HMAC_SHA1_80"
	case CryptoSuiteNone:
		return "NONE"
	}

	return "UNKNOWN"
}

// Endpoint is the controller side of one medium.
type Endpoint struct {
	Port        uint16
	CryptoSuite CryptoSuite
	Key         []byte
	Salt        []byte
}

// PrepareRequest is sent by the controller to negotiate a new stream.
type PrepareRequest struct {
	ID            StreamID
	TargetAddress string
	IPv6          bool
	Video         *Endpoint
	Audio         *Endpoint
}

// MediaResponse is the accessory side of one medium.
type MediaResponse struct {
	Port uint16
	SSRC uint32
	Key  []byte
	Salt []byte
}

// PrepareResponse tells the controller where the stream will come from.
type PrepareResponse struct {
	Address net.IP
	Video   *MediaResponse
	Audio   *MediaResponse
}

// AddressType returns "v4" or "v6" depending on the local address.
func (r PrepareResponse) AddressType() string {
	if r.Address.To4() != nil {
		return "v4"
	}

	return "v6"
}

// VideoRequest carries the video parameters selected by the controller.
// Bitrate is in kbps.
type VideoRequest struct {
	Width       int
	Height      int
	Framerate   int
	Bitrate     int
	PayloadType uint8
}

// AudioRequest carries the audio parameters selected by the controller.
// Bitrate is in kbps and SampleRate in kHz.
type AudioRequest struct {
	Bitrate     int
	SampleRate  int
	PayloadType uint8
}

// StartRequest is sent by the controller to start (or reconfigure) a prepared stream.
type StartRequest struct {
	Video *VideoRequest
	Audio *AudioRequest
}

// Stream is the live stream handed out by the upstream device.
type Stream struct {
	URL string
}

type media struct {
	port  uint16
	suite CryptoSuite
	srtp  []byte // key followed by salt
	ssrc  uint32
}

func newMedia(e *Endpoint) (*media, error) {
	ssrc, err := GenerateSSRC()
	if err != nil {
		return nil, err
	}

	srtp := make([]byte, 0, len(e.Key)+len(e.Salt))
	srtp = append(srtp, e.Key...)
	srtp = append(srtp, e.Salt...)

	return &media{e.Port, e.CryptoSuite, srtp, ssrc}, nil
}

func (m *media) srtpParams() string {
	return base64.StdEncoding.EncodeToString(m.srtp)
}

// session is a negotiated stream waiting for its start.
type session struct {
	id       StreamID
	url      string
	address  string
	video    *media
	audio    *media
	prepared time.Time

	claimed atomic.Bool
}

// SessionInfo describes a pending or active stream.
type SessionInfo struct {
	ID      StreamID  `json:"id"`
	State   string    `json:"state"`
	Address string    `json:"address"`
	Since   time.Time `json:"since"`
	PID     int       `json:"pid,omitempty"`
}

const (
	StatePending = "pending"
	StateActive  = "active"
)
