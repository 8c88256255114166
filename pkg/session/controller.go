// Package session keeps a local belief about a single device's mode and
// recording state, issues the commands that change it, and watches the
// link with a heartbeat.
//
// The belief is never authoritative. It is re-derived from every fresh
// reply, and the only speculative write is the flip right after a
// successful recording toggle.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/events"
	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/internal/metrics"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/protocol"
)

// Config holds controller configuration.
type Config struct {
	HeartbeatInterval time.Duration // 0 uses the default, negative disables Start
	FailureThreshold  int           // consecutive terminal heartbeat failures before disconnect
	SyncOnHeartbeat   bool          // re-poll mode and recording after each good heartbeat
}

// DefaultConfig returns the stock heartbeat settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		FailureThreshold:  2,
		SyncOnHeartbeat:   true,
	}
}

// Controller owns the session with one device.
//
// Every device round trip holds op for its whole duration, the heartbeat
// included, so command and heartbeat results never interleave. Readers see
// the belief through mu without waiting on the network.
type Controller struct {
	getter protocol.Getter
	cfg    Config
	bus    *events.Broadcaster

	op       sync.Mutex
	failures int // guarded by op

	mu        sync.RWMutex
	state     models.DeviceState
	updatedAt time.Time

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// New creates a controller with an Unknown mode and a fresh session ID.
// No request is made until the first command or Refresh.
func New(g protocol.Getter, cfg Config) *Controller {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}

	c := &Controller{
		getter: g,
		cfg:    cfg,
		bus:    events.NewBroadcaster(),
		state: models.DeviceState{
			Mode:      models.ModeUnknown,
			Connected: true,
			SessionID: uuid.NewString(),
		},
		updatedAt: time.Now(),
	}
	c.publishMetrics(c.state)
	return c
}

// BaseURL returns the device address commands are sent to.
func (c *Controller) BaseURL() string {
	return c.getter.BaseURL()
}

// State returns the current belief.
func (c *Controller) State() models.StateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.StateSnapshot{DeviceState: c.state, UpdatedAt: c.updatedAt}
}

// CurrentMode returns the believed mode.
func (c *Controller) CurrentMode() models.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Mode
}

// IsRecording returns the believed recording status.
func (c *Controller) IsRecording() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Recording
}

// Connected reports whether the session is still live.
func (c *Controller) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Connected
}

// Guard returns a FatalDisconnect error once the session is dead, nil
// otherwise. Collaborators issuing their own device commands (the file
// catalog) consult it first.
func (c *Controller) Guard() error {
	if !c.Connected() {
		return fault.Disconnected("session")
	}
	return nil
}

// Subscribe returns a channel receiving every belief change.
// The caller must call Unsubscribe when done.
func (c *Controller) Subscribe() chan events.Event {
	return c.bus.Subscribe()
}

// Unsubscribe stops delivery to ch and closes it.
func (c *Controller) Unsubscribe(ch chan events.Event) {
	c.bus.Unsubscribe(ch)
}

// Close stops the heartbeat and closes all subscriber channels.
func (c *Controller) Close() {
	c.Stop()
	c.bus.Close()
}

// setState is the single write path for the belief. Subscribers are told
// only when something actually changed.
func (c *Controller) setState(fn func(s *models.DeviceState)) {
	c.mu.Lock()
	prev := c.state
	fn(&c.state)
	next := c.state
	c.updatedAt = time.Now()
	snap := models.StateSnapshot{DeviceState: next, UpdatedAt: c.updatedAt}
	c.mu.Unlock()

	if prev == next {
		return
	}

	c.publishMetrics(next)
	changes := changelog(prev, next)
	logging.Info("device state changed",
		zap.String("session", next.SessionID),
		zap.Any("changes", changes))

	c.bus.Publish(events.Event{
		Type:    eventType(prev, next),
		State:   snap,
		Changes: changes,
	})
}

func (c *Controller) publishMetrics(s models.DeviceState) {
	metrics.SetMode(s.Mode.String())
	metrics.SetRecording(s.Recording)
	metrics.SetConnected(s.Connected)
}

// checkLocked refuses the command if the session is dead. Caller holds op.
func (c *Controller) checkLocked(op string) error {
	if !c.Connected() {
		return fault.Disconnected(op)
	}
	return nil
}

func (c *Controller) send(ctx context.Context, op string, cmd protocol.Command) (*protocol.Result, error) {
	res, err := protocol.Send(ctx, c.getter, cmd)
	if err != nil {
		return res, fault.WithOp(op, err)
	}
	return res, nil
}
