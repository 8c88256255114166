package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/internal/metrics"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/protocol"
)

// Start launches the heartbeat loop. It is a no-op if the loop is already
// running or the interval is negative.
func (c *Controller) Start(ctx context.Context) {
	if c.cfg.HeartbeatInterval < 0 {
		return
	}

	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.hbCancel != nil {
		return
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.hbCancel = cancel
	c.hbDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				// The loop outlives a fatal disconnect and idles until
				// Reset brings the session back.
				if !c.Connected() {
					continue
				}
				if err := c.HeartbeatOnce(hbCtx); err != nil && hbCtx.Err() == nil {
					logging.Debug("heartbeat tick", zap.Error(err))
				}
			case <-hbCtx.Done():
				return
			}
		}
	}()

	logging.Info("heartbeat enabled",
		zap.Duration("interval", c.cfg.HeartbeatInterval),
		zap.Int("failure_threshold", c.cfg.FailureThreshold))
}

// Stop cancels the heartbeat loop and waits for it to exit.
func (c *Controller) Stop() {
	c.hbMu.Lock()
	cancel, done := c.hbCancel, c.hbDone
	c.hbCancel, c.hbDone = nil, nil
	c.hbMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// HeartbeatOnce runs a single heartbeat synchronously.
//
// Transport and malformed-body failures are terminal: enough of them in a
// row kill the session and every later command fails with FatalDisconnect
// until Reset. A reply that parses but reports failure proves the device is
// there, so it is logged and clears the run.
func (c *Controller) HeartbeatOnce(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("heartbeat"); err != nil {
		return err
	}

	_, err := c.send(ctx, "heartbeat", protocol.Command{ID: protocol.CmdHeartbeat})
	switch {
	case err == nil:
		c.failures = 0
		metrics.RecordHeartbeat("ok", 0)
		if c.cfg.SyncOnHeartbeat {
			if syncErr := c.syncLocked(ctx); syncErr != nil {
				logging.Warn("state sync after heartbeat failed", zap.Error(syncErr))
			}
		}
		return nil

	case ctx.Err() != nil:
		return ctx.Err()

	case fault.Terminal(err):
		c.failures++
		metrics.RecordHeartbeat("terminal", c.failures)
		logging.Warn("heartbeat failed",
			zap.Int("consecutive", c.failures),
			zap.Int("threshold", c.cfg.FailureThreshold),
			zap.Error(err))
		if c.failures >= c.cfg.FailureThreshold {
			c.disconnectLocked()
			return &fault.Error{
				Kind: fault.FatalDisconnect,
				Op:   "heartbeat",
				Msg:  fmt.Sprintf("%d consecutive failures", c.failures),
				Err:  err,
			}
		}
		return err

	default:
		c.failures = 0
		metrics.RecordHeartbeat("transient", 0)
		logging.Info("heartbeat answered with failure", zap.Error(err))
		return err
	}
}

func (c *Controller) disconnectLocked() {
	logging.Error("device session lost, reset required",
		zap.String("session", c.State().SessionID),
		zap.String("device", c.getter.BaseURL()))
	c.setState(func(s *models.DeviceState) {
		s.Connected = false
	})
}

// Reset starts a fresh session after a disconnect. The device must answer a
// heartbeat first; then the session gets a new ID and the belief is rebuilt
// from scratch. An error from the rebuild is returned but leaves the new
// session live.
func (c *Controller) Reset(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	if _, err := c.send(ctx, "reset", protocol.Command{ID: protocol.CmdHeartbeat}); fault.Terminal(err) {
		return err
	}

	c.failures = 0
	metrics.RecordHeartbeat("ok", 0)
	id := uuid.NewString()
	c.setState(func(s *models.DeviceState) {
		*s = models.DeviceState{
			Mode:      models.ModeUnknown,
			Connected: true,
			SessionID: id,
		}
	})
	logging.Info("device session reset", zap.String("session", id))

	return c.syncLocked(ctx)
}
