package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"sync"
	"time"

	"github.com/brutella/hc/log"
	"github.com/nfnt/resize"
)

// DefaultSnapshotCooldown is the minimum time between two upstream snapshots.
const DefaultSnapshotCooldown = 300000 * time.Millisecond

// SnapshotResult is the outcome of a snapshot request.
// Skipped is set when the request was debounced; Data is nil then.
type SnapshotResult struct {
	Data    []byte
	Skipped bool
	Next    time.Duration
}

// Snapshotter fetches snapshots from the upstream device at most once per cooldown.
type Snapshotter struct {
	cam      Camera
	cooldown time.Duration
	now      func() time.Time
	rec      Recorder

	mutex *sync.Mutex
	last  time.Time
	data  []byte
}

func NewSnapshotter(cam Camera, cooldown time.Duration) *Snapshotter {
	return &Snapshotter{
		cam:      cam,
		cooldown: cooldown,
		now:      time.Now,
		rec:      nopRecorder{},
		mutex:    &sync.Mutex{},
	}
}

// Get fetches a new snapshot unless the last one is younger than the cooldown.
// A failed fetch does not delay the next one.
func (s *Snapshotter) Get(ctx context.Context) (SnapshotResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) < s.cooldown {
		next := s.cooldown - now.Sub(s.last)
		log.Info.Printf("Snapshot skipped - next in %d secs", int(next.Seconds()))
		s.rec.SnapshotSkipped()
		return SnapshotResult{Skipped: true, Next: next}, nil
	}

	data, err := s.cam.Snapshot(ctx)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	s.last = s.now()
	s.data = data
	s.rec.SnapshotFetched()
	log.Info.Println("Snapshot downloaded")

	return SnapshotResult{Data: data}, nil
}

// Last returns the last fetched snapshot and when it was taken.
func (s *Snapshotter) Last() ([]byte, time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.data, s.last
}

// Scale decodes a jpeg snapshot and resizes it to width.
// height is only used when width is 0; otherwise the aspect ratio is kept.
func Scale(data []byte, width, height uint) (*image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	switch {
	case width > 0 && width != uint(b.Dx()):
		img = resize.Resize(width, 0, img, resize.Bilinear)
	case width == 0 && height > 0 && height != uint(b.Dy()):
		img = resize.Resize(0, height, img, resize.Bilinear)
	}

	return &img, nil
}
