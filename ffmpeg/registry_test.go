package ffmpeg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTakeOnce(t *testing.T) {
	r := newRegistry(0)
	s := &session{id: "abc", url: "rtsp://cam/live"}
	r.put(s)

	got, ok := r.take("abc")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.take("abc")
	assert.False(t, ok)
}

func TestRegistryTakeUnknown(t *testing.T) {
	r := newRegistry(0)

	_, ok := r.take("never")
	assert.False(t, ok)
}

func TestRegistryLastPutWins(t *testing.T) {
	r := newRegistry(0)
	first := &session{id: "abc", url: "rtsp://cam/first"}
	second := &session{id: "abc", url: "rtsp://cam/second"}
	r.put(first)
	r.put(second)

	assert.Equal(t, 1, r.len())

	got, ok := r.take("abc")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistryExpiresPendingStreams(t *testing.T) {
	r := newRegistry(20 * time.Millisecond)
	r.put(&session{id: "abc"})
	assert.True(t, r.has("abc"))

	time.Sleep(50 * time.Millisecond)

	assert.False(t, r.has("abc"))
	assert.Zero(t, r.len())
	_, ok := r.take("abc")
	assert.False(t, ok)
}

func TestRegistrySessions(t *testing.T) {
	r := newRegistry(0)
	r.put(&session{id: "a"})
	r.put(&session{id: "b"})

	assert.Len(t, r.sessions(), 2)
}
