// Package homekit exposes the device's recording state as a HomeKit switch.
package homekit

import (
	"context"
	"time"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/events"
	"github.com/dashctl/dashctl/internal/logging"
)

const commandTimeout = 10 * time.Second

// Recorder is the part of the session controller the switch drives.
type Recorder interface {
	IsRecording() bool
	SetRecording(ctx context.Context, on bool) (bool, error)
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// Accessory is a switch that reads "on" while the device records.
type Accessory struct {
	sw   *accessory.Switch
	ctrl Recorder
}

// NewAccessory creates the switch, seeded from the current belief.
func NewAccessory(info accessory.Info, ctrl Recorder) *Accessory {
	a := &Accessory{
		sw:   accessory.NewSwitch(info),
		ctrl: ctrl,
	}
	a.sw.Switch.On.SetValue(ctrl.IsRecording())
	a.sw.Switch.On.OnValueRemoteUpdate(a.handleRemote)
	return a
}

// On returns the value HomeKit currently sees.
func (a *Accessory) On() bool {
	return a.sw.Switch.On.GetValue()
}

// handleRemote applies a write from a HomeKit controller. If the device
// refuses, the switch snaps back to the controller's belief.
func (a *Accessory) handleRemote(on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	logging.Info("homekit recording request", zap.Bool("on", on))
	if _, err := a.ctrl.SetRecording(ctx, on); err != nil {
		logging.Warn("homekit recording request failed", zap.Bool("on", on), zap.Error(err))
		a.sw.Switch.On.SetValue(a.ctrl.IsRecording())
	}
}

// Watch keeps the switch in step with state events until ctx is done.
func (a *Accessory) Watch(ctx context.Context) {
	ch := a.ctrl.Subscribe()
	defer a.ctrl.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if a.sw.Switch.On.GetValue() != ev.State.Recording {
				a.sw.Switch.On.SetValue(ev.State.Recording)
			}
		}
	}
}

// Serve publishes the accessory on the local network and blocks until ctx
// is done.
func (a *Accessory) Serve(ctx context.Context, cfg hc.Config) error {
	t, err := hc.NewIPTransport(cfg, a.sw.Accessory)
	if err != nil {
		return err
	}

	go a.Watch(ctx)
	go func() {
		<-ctx.Done()
		<-t.Stop()
	}()

	logging.Info("homekit accessory published", zap.String("storage", cfg.StoragePath))
	t.Start()
	return nil
}
