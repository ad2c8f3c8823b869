package ffmpeg

import (
	"context"
	"fmt"
	"image"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/brutella/hc/log"
)

// Camera is the upstream device which provides the live stream and the snapshots.
type Camera interface {
	// Stream returns a stream locator which is valid until the stream is started.
	Stream(ctx context.Context) (Stream, error)
	// Snapshot returns a jpeg encoded image.
	Snapshot(ctx context.Context) ([]byte, error)
}

// Recorder is notified about session and snapshot events.
type Recorder interface {
	StreamPrepared()
	StreamStarted()
	StreamStopped()
	StreamFailed()
	SnapshotFetched()
	SnapshotSkipped()
}

// AddrResolver returns the local address used to reach target.
type AddrResolver func(target string, ipv6 bool) (net.IP, error)

// FFMPEG lets you interact with video stream.
type FFMPEG interface {
	PrepareNewStream(context.Context, PrepareRequest) (PrepareResponse, error)
	Start(StreamID, StartRequest) error
	Stop(StreamID)
	Suspend(StreamID)
	Resume(StreamID)
	Reconfigure(StreamID, StartRequest) error
	ActiveStreams() int
	Sessions() []SessionInfo
	Snapshot(ctx context.Context, width, height uint) (*image.Image, error)
	LastSnapshot() ([]byte, time.Time)
	SetConfig(Config) error
	StopAll()
}

type ffmpeg struct {
	cfg     Config
	cam     Camera
	mutex   *sync.Mutex
	pending *registry
	streams map[StreamID]*process

	sv          *supervisor
	snap        *Snapshotter
	resolve     AddrResolver
	rec         Recorder
	onForceStop func(StreamID)
}

// Option configures the stream manager.
type Option func(*ffmpeg)

// WithForceStop sets the function called when a running stream dies unexpectedly.
func WithForceStop(fn func(StreamID)) Option {
	return func(f *ffmpeg) {
		f.onForceStop = fn
	}
}

// WithRecorder sets the event recorder.
func WithRecorder(r Recorder) Option {
	return func(f *ffmpeg) {
		f.rec = r
	}
}

// WithAddrResolver overrides how the local stream address is found.
func WithAddrResolver(fn AddrResolver) Option {
	return func(f *ffmpeg) {
		f.resolve = fn
	}
}

// WithSnapshotCooldown sets the minimum time between two upstream snapshots.
func WithSnapshotCooldown(d time.Duration) Option {
	return func(f *ffmpeg) {
		f.snap.cooldown = d
	}
}

// New returns a new ffmpeg handle to start and stop video streams and to make snapshots.
func New(cfg Config, cam Camera, opts ...Option) (*ffmpeg, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &ffmpeg{
		cfg:     cfg,
		cam:     cam,
		mutex:   &sync.Mutex{},
		pending: newRegistry(cfg.PendingTimeout),
		streams: make(map[StreamID]*process, 0),
		resolve: outboundAddr,
		rec:     nopRecorder{},
	}
	f.sv = newSupervisor(f.exited)
	f.snap = NewSnapshotter(cam, DefaultSnapshotCooldown)

	for _, opt := range opts {
		opt(f)
	}
	f.snap.rec = f.rec

	return f, nil
}

// SetConfig replaces the transcoding parameters of streams started afterwards.
func (f *ffmpeg) SetConfig(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	// the pending registry keeps its timeout
	cfg.PendingTimeout = f.cfg.PendingTimeout
	f.cfg = cfg

	return nil
}

func (f *ffmpeg) config() Config {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.cfg
}

func (f *ffmpeg) PrepareNewStream(ctx context.Context, req PrepareRequest) (PrepareResponse, error) {
	cfg := f.config()

	if err := f.reserve(req.ID, cfg.MaxStreams); err != nil {
		log.Info.Println("prepare:", err)
		return PrepareResponse{}, err
	}

	if cfg.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.UpstreamTimeout)
		defer cancel()
	}

	stream, err := f.cam.Stream(ctx)
	if err != nil {
		log.Info.Println("prepare:", err)
		return PrepareResponse{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if stream.URL == "" {
		return PrepareResponse{}, fmt.Errorf("%w: empty stream url", ErrUpstreamUnavailable)
	}

	local, err := f.resolve(req.TargetAddress, req.IPv6)
	if err != nil {
		return PrepareResponse{}, fmt.Errorf("local address for %s: %w", req.TargetAddress, err)
	}

	s := &session{
		id:       req.ID,
		url:      stream.URL,
		address:  req.TargetAddress,
		prepared: time.Now(),
	}
	resp := PrepareResponse{Address: local}

	if req.Video != nil {
		if s.video, err = newMedia(req.Video); err != nil {
			return PrepareResponse{}, err
		}
		resp.Video = &MediaResponse{req.Video.Port, s.video.ssrc, req.Video.Key, req.Video.Salt}
	}
	if req.Audio != nil {
		if s.audio, err = newMedia(req.Audio); err != nil {
			return PrepareResponse{}, err
		}
		resp.Audio = &MediaResponse{req.Audio.Port, s.audio.ssrc, req.Audio.Key, req.Audio.Salt}
	}

	// the slots may have been taken while the upstream was asked
	f.mutex.Lock()
	err = f.admit(req.ID, cfg.MaxStreams)
	if err == nil {
		f.pending.put(s)
	}
	f.mutex.Unlock()
	if err != nil {
		log.Info.Println("prepare:", err)
		return PrepareResponse{}, err
	}

	f.rec.StreamPrepared()
	log.Debug.Printf("prepared stream %s for %s", req.ID, req.TargetAddress)

	return resp, nil
}

// reserve fails when id is unknown and all stream slots are taken.
func (f *ffmpeg) reserve(id StreamID, max int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.admit(id, max)
}

// admit must be called with the mutex held.
func (f *ffmpeg) admit(id StreamID, max int) error {
	if _, ok := f.streams[id]; ok || f.pending.has(id) {
		return nil
	}
	if len(f.streams)+f.pending.len() >= max {
		return fmt.Errorf("%w: %d streams in use", ErrTooManyStreams, max)
	}

	return nil
}

func (f *ffmpeg) ActiveStreams() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return len(f.streams)
}

func (f *ffmpeg) Start(id StreamID, req StartRequest) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	s, ok := f.pending.take(id)
	if !ok {
		log.Info.Println("start:", &StreamNotFoundError{id})
		return nil
	}

	inv, err := buildInvocation(f.cfg, s, req)
	if err != nil {
		log.Info.Println("start:", err)
		return err
	}

	if old, ok := f.streams[id]; ok {
		log.Info.Printf("start: stream %s is already running, replacing it", id)
		old.terminate()
		delete(f.streams, id)
	}

	v := inv.Video
	log.Debug.Printf("start stream %s (%dx%d, %d fps, %d kbps, passthrough %v)",
		id, v.Width, v.Height, v.Framerate, v.Bitrate, inv.Passthrough)

	p, err := f.sv.spawn(id, s.address, inv)
	if err != nil {
		log.Info.Println("start:", err)
		f.rec.StreamFailed()
		return err
	}

	f.streams[id] = p
	f.rec.StreamStarted()

	return nil
}

func (f *ffmpeg) Stop(id StreamID) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	p, ok := f.streams[id]
	if !ok {
		log.Debug.Println("stop:", &StreamNotFoundError{id})
		return
	}

	p.terminate()
	delete(f.streams, id)
	f.rec.StreamStopped()
}

// StopAll terminates every running stream.
func (f *ffmpeg) StopAll() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for id, p := range f.streams {
		p.terminate()
		delete(f.streams, id)
		f.rec.StreamStopped()
	}
}

func (f *ffmpeg) Suspend(id StreamID) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if p, ok := f.streams[id]; !ok {
		log.Info.Println("suspend:", &StreamNotFoundError{id})
	} else {
		p.suspend()
	}
}

func (f *ffmpeg) Resume(id StreamID) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if p, ok := f.streams[id]; !ok {
		log.Info.Println("resume:", &StreamNotFoundError{id})
	} else {
		p.resume()
	}
}

// Reconfigure acknowledges the request. A running ffmpeg process cannot be retuned.
func (f *ffmpeg) Reconfigure(id StreamID, req StartRequest) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, ok := f.streams[id]; !ok {
		log.Info.Println("reconfigure:", &StreamNotFoundError{id})
		return nil
	}

	if req.Video != nil {
		log.Debug.Printf("reconfigure stream %s to %dx%d, %d fps, %d kbps is not supported",
			id, req.Video.Width, req.Video.Height, req.Video.Framerate, req.Video.Bitrate)
	}

	return nil
}

// exited is called by the supervisor when a process has been reaped.
func (f *ffmpeg) exited(p *process) {
	f.mutex.Lock()
	cur, ok := f.streams[p.id]
	current := ok && cur == p
	if current {
		delete(f.streams, p.id)
	}
	f.mutex.Unlock()

	if isNormalExit(p.code) {
		log.Debug.Printf("stream %s: ffmpeg exited with code %d (stream stopped)", p.id, p.code)
		return
	}
	// a restart replaced the process, the session lives on
	if !current {
		log.Debug.Printf("stream %s: replaced ffmpeg exited with code %d", p.id, p.code)
		return
	}

	log.Info.Println(&ExitError{ID: p.id, Code: p.code})
	f.rec.StreamFailed()

	if f.onForceStop != nil {
		f.onForceStop(p.id)
	}
}

// Sessions lists the pending and the active streams.
func (f *ffmpeg) Sessions() []SessionInfo {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	all := []SessionInfo{}
	for _, s := range f.pending.sessions() {
		all = append(all, SessionInfo{ID: s.id, State: StatePending, Address: s.address, Since: s.prepared})
	}
	for id, p := range f.streams {
		all = append(all, SessionInfo{ID: id, State: StateActive, Address: p.address, Since: p.started, PID: p.pid()})
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})

	return all
}

func (f *ffmpeg) Snapshot(ctx context.Context, width, height uint) (*image.Image, error) {
	res, err := f.snap.Get(ctx)
	if err != nil {
		log.Info.Println("snapshot:", err)
		return nil, err
	}
	if res.Skipped {
		return nil, nil
	}

	return Scale(res.Data, width, height)
}

func (f *ffmpeg) LastSnapshot() ([]byte, time.Time) {
	return f.snap.Last()
}

// outboundAddr returns the local address of the route to target.
// No packet is sent.
func outboundAddr(target string, ipv6 bool) (net.IP, error) {
	network := "udp4"
	if ipv6 {
		network = "udp6"
	}

	conn, err := net.Dial(network, net.JoinHostPort(target, strconv.Itoa(9)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

type nopRecorder struct{}

func (nopRecorder) StreamPrepared()  {}
func (nopRecorder) StreamStarted()   {}
func (nopRecorder) StreamStopped()   {}
func (nopRecorder) StreamFailed()    {}
func (nopRecorder) SnapshotFetched() {}
func (nopRecorder) SnapshotSkipped() {}
