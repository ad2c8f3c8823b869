package ffmpeg

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable is returned when the device does not hand out a stream or a snapshot.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUnsupportedCryptoSuite is returned when a negotiated SRTP suite cannot be produced by ffmpeg.
	ErrUnsupportedCryptoSuite = errors.New("unsupported srtp crypto suite")
	// ErrTooManyStreams is returned when all stream slots are in use.
	ErrTooManyStreams = errors.New("too many streams")
	// ErrInvalidConfig is wrapped by the errors of Config.Validate.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidRequest is returned when no transcoder command can be built for a session.
	ErrInvalidRequest = errors.New("invalid stream request")
)

type StreamNotFoundError struct {
	id StreamID
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("StreamID(%s) not found", string(e.id))
}

// SpawnError reports that the transcoder process could not be started.
type SpawnError struct {
	ID  StreamID
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("stream %s: spawn failed: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError reports an unexpected exit code of a running transcoder.
type ExitError struct {
	ID   StreamID
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("stream %s: ffmpeg exited with code %d", e.ID, e.Code)
}
