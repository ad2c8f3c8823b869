package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSSRCTopByteIsZero(t *testing.T) {
	seen := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		ssrc, err := GenerateSSRC()
		require.NoError(t, err)
		assert.Zero(t, ssrc>>24, "ssrc %08x", ssrc)
		assert.True(t, int32(ssrc) >= 0)
		seen[ssrc] = true
	}

	// 24 random bits, collisions are very unlikely
	assert.Greater(t, len(seen), 990)
}
