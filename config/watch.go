package config

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/brutella/hc/log"
	"github.com/radovskyb/watcher"
)

// pollInterval is how often the config file is checked for changes.
var pollInterval = time.Second

// Watch reloads the config file at path whenever it is written and calls fn
// with the new configuration. Invalid files are logged and ignored.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write, watcher.Create)

	if err := w.Add(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info.Printf("%s not found, config reload disabled", path)
			<-ctx.Done()
			return nil
		}
		return err
	}

	go func() {
		done := ctx.Done()
		for {
			select {
			case event := <-w.Event:
				log.Debug.Println("config changed:", event)
				cfg, err := Load(path)
				if err != nil {
					log.Info.Println("reload:", err)
					continue
				}
				fn(cfg)
			case err := <-w.Error:
				log.Info.Println("watch:", err)
			case <-w.Closed:
				return
			case <-done:
				w.Close()
				done = nil
			}
		}
	}()

	if err := w.Start(pollInterval); err != nil {
		return err
	}

	return ctx.Err()
}
