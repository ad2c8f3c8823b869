package main

import (
	"context"
	"errors"
	"flag"
	"image"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/log"
	"golang.org/x/sync/errgroup"

	"github.com/ra1nb0w/hkcloudcam"
	"github.com/ra1nb0w/hkcloudcam/backend"
	"github.com/ra1nb0w/hkcloudcam/config"
	"github.com/ra1nb0w/hkcloudcam/device"
	"github.com/ra1nb0w/hkcloudcam/ffmpeg"
)

func main() {
	var configFile *string = flag.String("config", "config.json", "Path to the JSON config file")
	var verbose *bool = flag.Bool("verbose", false, "Verbose logging")
	var dataDir *string = flag.String("data_dir", "", "Path to data directory, overrides the config")
	var pin *string = flag.String("pin", "", "Pin used to associate the accessory to HomeKit, overrides the config")
	var profile *bool = flag.Bool("profile", false, "Enable http pprof")
	var profileAddr *string = flag.String("profile_addr", "localhost:8383", "pprof address:port")

	flag.Parse()

	if *verbose {
		log.Debug.Enable()
		ffmpeg.EnableVerboseLogging()
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Info.Fatal(err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *pin != "" {
		cfg.Pin = *pin
	}

	accInfo := accessory.Info{
		Name:             cfg.Name,
		FirmwareRevision: "1.0",
		SerialNumber:     cfg.Serial,
		Manufacturer:     "hkcloudcam",
		Model:            cfg.Model,
	}
	caps := hkcloudcam.Capabilities{
		Camera:         cfg.HasCamera,
		SecuritySystem: cfg.HasSecuritySystem,
		MotionSensor:   cfg.HasMotionSensor,
		Battery:        cfg.HasBattery,
	}
	modes := hkcloudcam.Modes{Stay: cfg.StayArm, Night: cfg.NightArm}

	cam := hkcloudcam.NewCamera(accInfo, caps, cfg.MaxStreams)
	dev := device.New(cfg.Device())
	metrics := backend.NewMetrics()

	// the streaming controllers are created after the stream manager
	var streaming *hkcloudcam.Streaming
	ff, err := ffmpeg.New(cfg.FFMPEG(), dev,
		ffmpeg.WithRecorder(metrics),
		ffmpeg.WithSnapshotCooldown(cfg.SnapshotCooldown),
		ffmpeg.WithForceStop(func(id ffmpeg.StreamID) {
			if streaming != nil {
				streaming.ForceStop(id)
			}
		}))
	if err != nil {
		log.Info.Fatal(err)
	}

	streaming = hkcloudcam.SetupFFMPEGStreaming(cam, ff)
	hkcloudcam.SetupSecuritySystem(cam, dev, modes)

	// configure homekit
	t, err := hc.NewIPTransport(hc.Config{Pin: cfg.Pin, StoragePath: cfg.DataDir}, cam.Accessory)
	if err != nil {
		log.Info.Panic(err)
	}

	if caps.Camera {
		// enable snapshot callback
		t.CameraSnapshotReq = func(width, height uint) (*image.Image, error) {
			return streaming.Snapshot(width, height)
		}
	}

	// start backend http web server
	bk := backend.InitBackend(cfg.BackendAddr, ff, dev, metrics, func(st device.State) {
		cam.Apply(st, modes)
	})
	bk.OnCloseConnection(streaming.CloseConnection)

	// enable pprof
	if *profile {
		log.Debug.Println("Start pprof at " + *profileAddr)
		go http.ListenAndServe(*profileAddr, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(bk.StartWebService)
	g.Go(func() error {
		return hkcloudcam.InitPoller(cfg.Interval, dev, cam, modes).Run(ctx)
	})
	g.Go(func() error {
		return config.Watch(ctx, *configFile, func(c *config.Config) {
			if err := ff.SetConfig(c.FFMPEG()); err != nil {
				log.Info.Println("config reload:", err)
				return
			}
			log.Info.Println("config reloaded")
		})
	})
	g.Go(func() error {
		<-ctx.Done()

		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()

		return bk.StopWebService(sctx)
	})

	// close all connection when exit
	hc.OnTermination(func() {
		ff.StopAll()
		cancel()
		<-t.Stop()
	})

	// start the homekit backend
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Info.Println(err)
		}
	}()
	t.Start()

	cancel()
	g.Wait()
}
