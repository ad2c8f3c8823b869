// Package backend serves the status of the bridge over http: the streaming sessions,
// the last snapshot, the device state and the Prometheus metrics.
// The vendor cloud bridge pushes device events to it.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/brutella/hc/log"
	"github.com/go-chi/chi/v5"

	"github.com/ra1nb0w/hkcloudcam/device"
	"github.com/ra1nb0w/hkcloudcam/ffmpeg"
)

// Streams is the part of the stream manager exposed by the backend.
type Streams interface {
	Sessions() []ffmpeg.SessionInfo
	ActiveStreams() int
	LastSnapshot() ([]byte, time.Time)
}

// Events receives device state changes.
type Events interface {
	Update(fn func(*device.State)) device.State
}

type Backend struct {
	inetAddr string
	streams  Streams
	events   Events
	metrics  *Metrics
	onUpdate func(device.State)
	onClose  func(conn string)
	server   *http.Server
}

// InitBackend returns a backend listening at inetAddr.
// onUpdate is called after a device event has been applied.
func InitBackend(inetAddr string, streams Streams, events Events, metrics *Metrics, onUpdate func(device.State)) *Backend {
	b := &Backend{
		inetAddr: inetAddr,
		streams:  streams,
		events:   events,
		metrics:  metrics,
		onUpdate: onUpdate,
	}
	b.server = &http.Server{Addr: inetAddr, Handler: b.Router()}

	return b
}

// Router returns the http routes of the backend.
func (b *Backend) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", b.getHome)
	r.Get("/streams", b.getStreams)
	r.Get("/snapshot", b.getSnapshot)
	r.Post("/device/{event}", b.postEvent)
	r.Delete("/connections/{conn}", b.deleteConnection)
	r.Handle("/metrics", b.metrics.Handler(func() {
		b.metrics.SetActiveStreams(b.streams.ActiveStreams())
	}))

	return r
}

func (b *Backend) getStreams(w http.ResponseWriter, r *http.Request) {
	log.Debug.Println("WebService: getStreams requested")
	writeJSON(w, http.StatusOK, b.streams.Sessions())
}

func (b *Backend) getSnapshot(w http.ResponseWriter, r *http.Request) {
	data, taken := b.streams.LastSnapshot()
	if len(data) == 0 {
		http.Error(w, "no snapshot", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Last-Modified", taken.UTC().Format(http.TimeFormat))
	w.Write(data)
}

type event struct {
	Mode         *string `json:"mode"`
	Motion       *bool   `json:"motion"`
	BatteryLevel *int    `json:"batteryLevel"`
	Charging     *string `json:"charging"`
	Online       *bool   `json:"online"`
}

func (b *Backend) postEvent(w http.ResponseWriter, r *http.Request) {
	var e event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := chi.URLParam(r, "event")
	var apply func(*device.State)
	switch {
	case name == "mode" && e.Mode != nil:
		apply = func(s *device.State) { s.Mode = *e.Mode }
	case name == "motion" && e.Motion != nil:
		apply = func(s *device.State) { s.Motion = *e.Motion }
	case name == "battery" && e.BatteryLevel != nil:
		apply = func(s *device.State) {
			s.BatteryLevel = *e.BatteryLevel
			if e.Charging != nil {
				s.Charging = *e.Charging
			}
		}
	case name == "connection" && e.Online != nil:
		apply = func(s *device.State) { s.Online = *e.Online }
	default:
		http.Error(w, fmt.Sprintf("unknown event %q", name), http.StatusBadRequest)
		return
	}

	log.Debug.Printf("WebService: device event %s", name)
	st := b.events.Update(apply)
	if b.onUpdate != nil {
		b.onUpdate(st)
	}

	writeJSON(w, http.StatusOK, st)
}

// OnCloseConnection sets the function which stops the streams of a HomeKit connection.
func (b *Backend) OnCloseConnection(fn func(conn string)) {
	b.onClose = fn
}

func (b *Backend) deleteConnection(w http.ResponseWriter, r *http.Request) {
	if b.onClose == nil {
		http.Error(w, "not supported", http.StatusNotImplemented)
		return
	}

	conn := chi.URLParam(r, "conn")
	log.Debug.Printf("WebService: close connection %s", conn)
	b.onClose(conn)

	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) getHome(w http.ResponseWriter, r *http.Request) {
	log.Debug.Println("WebService: getHome requested")

	homepage := `
<html>
<head>
<title>Backend</title>
<style>
th, td {
  padding: 15px;
  border-spacing: 5px;
  text-align: center;
}
</style>
</head>
<body>
<table style="width:800;margin-left:auto;margin-right:auto;">
<tr>
<th>Stream</th>
<th>State</th>
<th>Controller</th>
<th>Since</th>
</tr>
`
	for _, s := range b.streams.Sessions() {
		homepage += fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			s.ID, s.State, s.Address, s.Since.Format(time.RFC3339))
	}

	homepage += `</table>
<p style="text-align:center;"><img src="/snapshot" alt=snapshot width=300 /></p>
</body>
</html>
`
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, homepage)
}

func (b *Backend) StartWebService() error {
	log.Info.Println("Backend is listening at " + b.inetAddr)
	if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (b *Backend) StopWebService(ctx context.Context) error {
	return b.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Info.Println(err)
	}
}
