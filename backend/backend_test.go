package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ra1nb0w/hkcloudcam/device"
	"github.com/ra1nb0w/hkcloudcam/ffmpeg"
)

type fakeStreams struct {
	sessions []ffmpeg.SessionInfo
	snapshot []byte
	taken    time.Time
}

func (f *fakeStreams) Sessions() []ffmpeg.SessionInfo { return f.sessions }
func (f *fakeStreams) ActiveStreams() int             { return len(f.sessions) }
func (f *fakeStreams) LastSnapshot() ([]byte, time.Time) {
	return f.snapshot, f.taken
}

func newTestBackend(streams Streams, onUpdate func(device.State)) (*Backend, *device.Local) {
	dev := device.New(device.Config{ID: "cam", StreamURL: "rtsp://cam/live"})
	return InitBackend(":0", streams, dev, NewMetrics(), onUpdate), dev
}

func serve(b *Backend, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestGetStreams(t *testing.T) {
	streams := &fakeStreams{sessions: []ffmpeg.SessionInfo{
		{ID: "a", State: ffmpeg.StateActive, Address: "10.0.0.5:5000", PID: 42},
	}}
	b, _ := newTestBackend(streams, nil)

	rec := serve(b, http.MethodGet, "/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []ffmpeg.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, ffmpeg.StreamID("a"), got[0].ID)
	assert.Equal(t, 42, got[0].PID)
}

func TestGetSnapshot(t *testing.T) {
	b, _ := newTestBackend(&fakeStreams{}, nil)
	assert.Equal(t, http.StatusNotFound, serve(b, http.MethodGet, "/snapshot", "").Code)

	b, _ = newTestBackend(&fakeStreams{snapshot: []byte{0xff, 0xd8}, taken: time.Now()}, nil)
	rec := serve(b, http.MethodGet, "/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8}, rec.Body.Bytes())
}

func TestPostEvents(t *testing.T) {
	var updates []device.State
	b, dev := newTestBackend(&fakeStreams{}, func(s device.State) {
		updates = append(updates, s)
	})

	rec := serve(b, http.MethodPost, "/device/motion", `{"motion":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(b, http.MethodPost, "/device/battery", `{"batteryLevel":15,"charging":"Off"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(b, http.MethodPost, "/device/mode", `{"mode":"armed"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	st, err := dev.State(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Motion)
	assert.Equal(t, 15, st.BatteryLevel)
	assert.Equal(t, "Off", st.Charging)
	assert.Equal(t, device.ModeArmed, st.Mode)
	assert.Len(t, updates, 3)
}

func TestPostEventRejected(t *testing.T) {
	b, _ := newTestBackend(&fakeStreams{}, nil)

	assert.Equal(t, http.StatusBadRequest, serve(b, http.MethodPost, "/device/motion", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(b, http.MethodPost, "/device/unknown", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(b, http.MethodPost, "/device/motion", `{"mode":"armed"}`).Code)
}

func TestMetrics(t *testing.T) {
	streams := &fakeStreams{sessions: []ffmpeg.SessionInfo{{ID: "a"}, {ID: "b"}}}
	b, _ := newTestBackend(streams, nil)
	b.metrics.StreamStarted()
	b.metrics.SnapshotSkipped()

	rec := serve(b, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "hkcloudcam_streams_started_total 1")
	assert.Contains(t, body, "hkcloudcam_snapshots_skipped_total 1")
	assert.Contains(t, body, "hkcloudcam_active_streams 2")
}

func TestHome(t *testing.T) {
	streams := &fakeStreams{sessions: []ffmpeg.SessionInfo{{ID: "abc", State: ffmpeg.StatePending}}}
	b, _ := newTestBackend(streams, nil)

	rec := serve(b, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<td>abc</td>")
}

func TestDeleteConnection(t *testing.T) {
	b, _ := newTestBackend(&fakeStreams{}, nil)
	assert.Equal(t, http.StatusNotImplemented, serve(b, http.MethodDelete, "/connections/10.0.0.5:4000", "").Code)

	var closed []string
	b.OnCloseConnection(func(conn string) { closed = append(closed, conn) })

	rec := serve(b, http.MethodDelete, "/connections/10.0.0.5:4000", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"10.0.0.5:4000"}, closed)
}
