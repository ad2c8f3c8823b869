package ffmpeg

import (
	"crypto/rand"
	"encoding/binary"
)

// GenerateSSRC returns a random synchronization source identifier.
// The most significant byte is always zero so that the value stays positive as int32.
func GenerateSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	b[0] = 0

	return binary.BigEndian.Uint32(b[:]), nil
}
