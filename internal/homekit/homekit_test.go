package homekit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brutella/hc/accessory"

	"github.com/dashctl/dashctl/internal/events"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
)

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	err       error
	requests  []bool
	ch        chan events.Event
}

func (f *fakeRecorder) IsRecording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeRecorder) SetRecording(ctx context.Context, on bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, on)
	if f.err != nil {
		return f.recording, f.err
	}
	f.recording = on
	return on, nil
}

func (f *fakeRecorder) Subscribe() chan events.Event     { return f.ch }
func (f *fakeRecorder) Unsubscribe(ch chan events.Event) {}

func TestNewAccessory_SeedsFromBelief(t *testing.T) {
	a := NewAccessory(accessory.Info{Name: "Dashcam"}, &fakeRecorder{recording: true})
	if !a.On() {
		t.Error("switch should start on while recording")
	}
}

func TestHandleRemote(t *testing.T) {
	rec := &fakeRecorder{}
	a := NewAccessory(accessory.Info{Name: "Dashcam"}, rec)

	a.handleRemote(true)
	if len(rec.requests) != 1 || !rec.requests[0] || !rec.IsRecording() {
		t.Errorf("requests = %v", rec.requests)
	}
}

func TestHandleRemote_FailureRevertsSwitch(t *testing.T) {
	rec := &fakeRecorder{err: fault.Rejected("-1")}
	a := NewAccessory(accessory.Info{Name: "Dashcam"}, rec)

	a.sw.Switch.On.SetValue(true)
	a.handleRemote(true)
	if a.On() {
		t.Error("switch should snap back after a rejected request")
	}
}

func TestWatch(t *testing.T) {
	rec := &fakeRecorder{ch: make(chan events.Event, 1)}
	a := NewAccessory(accessory.Info{Name: "Dashcam"}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Watch(ctx)
		close(done)
	}()

	rec.ch <- events.Event{State: models.StateSnapshot{DeviceState: models.DeviceState{Recording: true}}}
	deadline := time.Now().Add(2 * time.Second)
	for !a.On() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !a.On() {
		t.Error("switch did not follow the state event")
	}

	cancel()
	<-done
}
